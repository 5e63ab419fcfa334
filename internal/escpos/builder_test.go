package escpos

import (
	"bytes"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitEmitsTwoBytes(t *testing.T) {
	require.Equal(t, []byte{0x1B, 0x40}, NewBuilder().Init().Bytes())
}

func TestOnlyInitProducesInitSequence(t *testing.T) {
	initSeq := []byte{0x1B, 0x40}
	frames := map[string][]byte{
		"text":      NewBuilder().Text("a\x1b@b").Bytes(),
		"feed":      NewBuilder().Feed(64).Bytes(),
		"align":     NewBuilder().Align(AlignRight).Bytes(),
		"size":      NewBuilder().Size(8, 8).Bytes(),
		"bold":      NewBuilder().Bold(true).Bold(false).Bytes(),
		"underline": NewBuilder().Underline(UnderlineThick).Bytes(),
		"spacing":   NewBuilder().LineSpacing(64).DefaultLineSpacing().Bytes(),
		"cut":       NewBuilder().Cut(64).Bytes(),
		"drawer":    NewBuilder().OpenDrawer(0, 64, 64).Bytes(),
		"header":    NewBuilder().Header("@").Bytes(),
		"kv":        NewBuilder().KeyValue("Total", "@").Bytes(),
		"hr":        NewBuilder().HR('@').Bytes(),
	}
	for name, frame := range frames {
		require.False(t, bytes.Contains(frame, initSeq), "%s produced ESC @: % x", name, frame)
	}
}

func TestPrimitiveSequences(t *testing.T) {
	cases := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"text", NewBuilder().Text("Hi").Bytes(), []byte("Hi")},
		{"line", NewBuilder().Line("Hi").Bytes(), []byte("Hi\n")},
		{"feed", NewBuilder().Feed(3).Bytes(), []byte{0x1B, 0x64, 0x03}},
		{"align left", NewBuilder().Align(AlignLeft).Bytes(), []byte{0x1B, 0x61, 0x00}},
		{"align center", NewBuilder().Align(AlignCenter).Bytes(), []byte{0x1B, 0x61, 0x01}},
		{"align right", NewBuilder().Align(AlignRight).Bytes(), []byte{0x1B, 0x61, 0x02}},
		{"size 1x1", NewBuilder().Size(1, 1).Bytes(), []byte{0x1D, 0x21, 0x00}},
		{"size 2x3", NewBuilder().Size(2, 3).Bytes(), []byte{0x1D, 0x21, 0x12}},
		{"bold on", NewBuilder().Bold(true).Bytes(), []byte{0x1B, 0x45, 0x01}},
		{"bold off", NewBuilder().Bold(false).Bytes(), []byte{0x1B, 0x45, 0x00}},
		{"underline", NewBuilder().Underline(UnderlineThin).Bytes(), []byte{0x1B, 0x2D, 0x01}},
		{"line spacing", NewBuilder().LineSpacing(30).Bytes(), []byte{0x1B, 0x33, 0x1E}},
		{"default spacing", NewBuilder().DefaultLineSpacing().Bytes(), []byte{0x1B, 0x32}},
		{"cut", NewBuilder().Cut(4).Bytes(), []byte{0x1D, 0x56, 0x42, 0x04}},
		{"drawer", NewBuilder().OpenDrawer(1, 25, 250).Bytes(), []byte{0x1B, 0x70, 0x01, 0x19, 0xFA}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.got)
		})
	}
}

func TestNumericArgumentsAreClamped(t *testing.T) {
	require.Equal(t, []byte{0x1D, 0x21, 0x77}, NewBuilder().Size(99, 12).Bytes())
	require.Equal(t, []byte{0x1D, 0x21, 0x00}, NewBuilder().Size(0, -4).Bytes())
	require.Equal(t, []byte{0x1B, 0x64, 0xFF}, NewBuilder().Feed(1000).Bytes())
	require.Equal(t, []byte{0x1B, 0x64, 0x00}, NewBuilder().Feed(-1).Bytes())
	require.Equal(t, []byte{0x1B, 0x2D, 0x02}, NewBuilder().Underline(7).Bytes())
	require.Equal(t, []byte{0x1B, 0x61, 0x00}, NewBuilder().Align(Alignment(9)).Bytes())
	require.Equal(t, []byte{0x1B, 0x70, 0x01, 0x00, 0xFF}, NewBuilder().OpenDrawer(5, -3, 300).Bytes())
}

func TestQRCodeLengthPrefix(t *testing.T) {
	for _, data := range []string{"", "O-100", strings.Repeat("x", 255), strings.Repeat("y", 256), strings.Repeat("z", 1000)} {
		frame := NewBuilder().QRCode(data, 9, 0).Bytes()
		require.Equal(t, []byte{0x1B, 0x5A, 0x00, 0x03, 0x01}, frame[:5])

		n := len(data)
		require.Len(t, frame, 7+n)
		require.Equal(t, byte(n&0xFF), frame[5], "low byte for len %d", n)
		require.Equal(t, byte(n>>8), frame[6], "high byte for len %d", n)
		require.Equal(t, []byte(data), frame[7:])
	}
}

func TestQRCodeAfterOtherCommands(t *testing.T) {
	data := "https://shop.example/o/O-100"
	frame := NewBuilder().Init().Align(AlignCenter).QRCode(data, QRCorrectionM, 6).Feed(1).Bytes()

	idx := bytes.Index(frame, []byte(data))
	require.Greater(t, idx, 2)
	require.Equal(t, byte(len(data)), frame[idx-2])
	require.Equal(t, byte(0), frame[idx-1])
}

func TestTextReplacesNonASCII(t *testing.T) {
	require.Equal(t, []byte("Caf?\tok\n"), NewBuilder().Text("Café\tok\n\x07").Bytes())
}

func TestLayoutHelpers(t *testing.T) {
	b := NewBuilder().KeyValue("Total", "12.50")
	line := strings.TrimSuffix(string(b.Bytes()), "\n")
	require.Len(t, line, LineWidth)
	require.True(t, strings.HasPrefix(line, "Total"))
	require.True(t, strings.HasSuffix(line, "12.50"))

	long := NewBuilder().KeyValue(strings.Repeat("k", 30), "value").Bytes()
	require.Equal(t, strings.Repeat("k", 30)+"\n"+strings.Repeat(" ", LineWidth-5)+"value\n", string(long))

	row := NewBuilder().TableRow([]string{"2", "Deep clean sneakers", "30.00"}, []int{4, 20, 8}).Bytes()
	require.Equal(t, "2   Deep clean sneakers    30.00\n", string(row))

	require.Equal(t, strings.Repeat("-", LineWidth)+"\n", string(NewBuilder().HR('-').Bytes()))
}

func TestHeaderRestoresStyle(t *testing.T) {
	frame := NewBuilder().Header("SHOP").Bytes()
	require.True(t, bytes.HasPrefix(frame, []byte{0x1B, 0x61, 0x01, 0x1B, 0x45, 0x01, 0x1D, 0x21, 0x11}))
	require.True(t, bytes.HasSuffix(frame, []byte{0x1D, 0x21, 0x00, 0x1B, 0x45, 0x00, 0x1B, 0x61, 0x00}))
}

func TestBytesReturnsCopy(t *testing.T) {
	b := NewBuilder().Init()
	out := b.Bytes()
	out[0] = 0
	require.Equal(t, byte(0x1B), b.Bytes()[0])
	require.Equal(t, 0, b.Reset().Len())
}

func TestImageRaster(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 10; x++ {
			c := color.RGBA{R: 255, G: 255, B: 255, A: 255}
			if x < 4 {
				c = color.RGBA{A: 255}
			}
			img.Set(x, y, c)
		}
	}
	frame := NewBuilder().Image(img, MaxDots).Bytes()
	require.Equal(t, []byte{0x1D, 0x76, 0x30, 0x00, 0x02, 0x00, 0x02, 0x00}, frame[:8])
	require.Len(t, frame, 8+2*2)
	require.Equal(t, byte(0xF0), frame[8])

	require.Empty(t, NewBuilder().Image(nil, MaxDots).Bytes())
}

func TestImageScalesToMaxDots(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 800, 100))
	frame := NewBuilder().Image(img, MaxDots).Bytes()
	require.Equal(t, byte(MaxDots/8), frame[4])
	require.Equal(t, byte(48), frame[6])
}
