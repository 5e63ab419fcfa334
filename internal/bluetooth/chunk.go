package bluetooth

// Chunk splits p into consecutive slices of at most size bytes. The slices
// alias p. A size below 1 is treated as 1; an empty p yields no chunks.
func Chunk(p []byte, size int) [][]byte {
	if size < 1 {
		size = 1
	}
	if len(p) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(p)+size-1)/size)
	for start := 0; start < len(p); start += size {
		end := start + size
		if end > len(p) {
			end = len(p)
		}
		out = append(out, p[start:end:end])
	}
	return out
}
