// Package escpos builds ESC/POS command streams for 58mm thermal printers.
//
// Every method appends raw bytes to an internal buffer and returns the
// builder, so calls chain. Nothing here fails: out-of-range numeric
// arguments are clamped to what the printer accepts.
package escpos

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	esc = 0x1B
	gs  = 0x1D
	lf  = 0x0A
)

// LineWidth is the number of font A characters that fit on 58mm paper.
const LineWidth = 32

// Alignment selects justification for following lines.
type Alignment byte

const (
	AlignLeft   Alignment = 0
	AlignCenter Alignment = 1
	AlignRight  Alignment = 2
)

// Underline modes accepted by ESC -.
const (
	UnderlineOff   = 0
	UnderlineThin  = 1
	UnderlineThick = 2
)

// QR error correction levels accepted by ESC Z.
const (
	QRCorrectionL = 0
	QRCorrectionM = 1
	QRCorrectionQ = 2
	QRCorrectionH = 3
)

// Builder accumulates a command frame.
type Builder struct {
	buf   []byte
	width int
}

// NewBuilder returns an empty builder laid out for LineWidth columns.
func NewBuilder() *Builder {
	return &Builder{width: LineWidth}
}

// WithWidth changes the column count used by the layout helpers.
func (b *Builder) WithWidth(cols int) *Builder {
	b.width = clamp(cols, 8, 64)
	return b
}

// Init resets the printer to its power-on state (ESC @).
func (b *Builder) Init() *Builder {
	b.buf = append(b.buf, esc, '@')
	return b
}

// Text writes s. Non-ASCII runes become '?' because the printer runs in its
// default single-byte code page; control bytes other than LF and TAB are
// dropped so text can never smuggle a command into the frame.
func (b *Builder) Text(s string) *Builder {
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			b.buf = append(b.buf, byte(r))
		case r < 0x20 || r == 0x7F:
		case r < utf8.RuneSelf:
			b.buf = append(b.buf, byte(r))
		default:
			b.buf = append(b.buf, '?')
		}
	}
	return b
}

// Line writes s followed by a line feed.
func (b *Builder) Line(s string) *Builder {
	return b.Text(s).newline()
}

// Feed prints the buffer and feeds n lines (ESC d n).
func (b *Builder) Feed(n int) *Builder {
	b.buf = append(b.buf, esc, 'd', byte(clamp(n, 0, 255)))
	return b
}

// Align sets justification (ESC a n).
func (b *Builder) Align(a Alignment) *Builder {
	if a > AlignRight {
		a = AlignLeft
	}
	b.buf = append(b.buf, esc, 'a', byte(a))
	return b
}

// Size sets the character magnification (GS ! n), each axis 1..8.
func (b *Builder) Size(width, height int) *Builder {
	w := clamp(width, 1, 8) - 1
	h := clamp(height, 1, 8) - 1
	b.buf = append(b.buf, gs, '!', byte(w<<4|h))
	return b
}

// Bold toggles emphasized mode (ESC E n).
func (b *Builder) Bold(on bool) *Builder {
	b.buf = append(b.buf, esc, 'E', boolByte(on))
	return b
}

// Underline sets the underline mode (ESC - n).
func (b *Builder) Underline(mode int) *Builder {
	b.buf = append(b.buf, esc, '-', byte(clamp(mode, UnderlineOff, UnderlineThick)))
	return b
}

// LineSpacing sets the line spacing to n dots (ESC 3 n).
func (b *Builder) LineSpacing(n int) *Builder {
	b.buf = append(b.buf, esc, '3', byte(clamp(n, 0, 255)))
	return b
}

// DefaultLineSpacing restores the printer default spacing (ESC 2).
func (b *Builder) DefaultLineSpacing() *Builder {
	b.buf = append(b.buf, esc, '2')
	return b
}

// Cut feeds feedLines and performs a partial cut (GS V 66 n).
func (b *Builder) Cut(feedLines int) *Builder {
	b.buf = append(b.buf, gs, 'V', 66, byte(clamp(feedLines, 0, 255)))
	return b
}

// QRCode prints data as a QR symbol (ESC Z m n k dL dH d1...dk).
// The version is left to the printer, ec is 0..3 (L..H) and moduleSize is
// 1..8. Payloads longer than 65535 bytes are truncated.
func (b *Builder) QRCode(data string, ec, moduleSize int) *Builder {
	payload := []byte(data)
	if len(payload) > 0xFFFF {
		payload = payload[:0xFFFF]
	}
	n := len(payload)
	b.buf = append(b.buf,
		esc, 'Z', 0,
		byte(clamp(ec, QRCorrectionL, QRCorrectionH)),
		byte(clamp(moduleSize, 1, 8)),
		byte(n&0xFF), byte(n>>8),
	)
	b.buf = append(b.buf, payload...)
	return b
}

// OpenDrawer pulses a cash drawer kick pin (ESC p m t1 t2). pin is 0 or 1
// (connector pins 2 and 5); times are in 2ms units.
func (b *Builder) OpenDrawer(pin, onTime, offTime int) *Builder {
	b.buf = append(b.buf, esc, 'p',
		byte(clamp(pin, 0, 1)),
		byte(clamp(onTime, 0, 255)),
		byte(clamp(offTime, 0, 255)),
	)
	return b
}

// Header prints a centered, bold, double-size title and restores the
// previous style.
func (b *Builder) Header(title string) *Builder {
	return b.Align(AlignCenter).
		Bold(true).
		Size(2, 2).
		Line(title).
		Size(1, 1).
		Bold(false).
		Align(AlignLeft)
}

// KeyValue prints key on the left and value right-aligned on one line.
// When both do not fit, value wraps to its own right-aligned line.
func (b *Builder) KeyValue(key, value string) *Builder {
	gap := b.width - runeLen(key) - runeLen(value)
	if gap < 1 {
		return b.Line(key).Line(padLeft(value, b.width))
	}
	return b.Line(key + strings.Repeat(" ", gap) + value)
}

// TableRow lays cols out in fixed-width columns. widths are in characters;
// the last column is right-aligned, the others left-aligned and truncated.
func (b *Builder) TableRow(cols []string, widths []int) *Builder {
	var sb strings.Builder
	for i, col := range cols {
		w := b.width
		if i < len(widths) {
			w = widths[i]
		}
		if w <= 0 {
			continue
		}
		if i == len(cols)-1 {
			sb.WriteString(padLeft(truncate(col, w), w))
		} else {
			sb.WriteString(padRight(truncate(col, w), w))
		}
	}
	return b.Line(sb.String())
}

// HR prints a full-width rule using ch.
func (b *Builder) HR(ch rune) *Builder {
	return b.Line(strings.Repeat(string(ch), b.width))
}

// Raw appends bytes verbatim.
func (b *Builder) Raw(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// Bytes returns a copy of the finished frame.
func (b *Builder) Bytes() []byte {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Len reports the frame size in bytes.
func (b *Builder) Len() int { return len(b.buf) }

// Reset drops everything written so far.
func (b *Builder) Reset() *Builder {
	b.buf = b.buf[:0]
	return b
}

func (b *Builder) String() string {
	return fmt.Sprintf("escpos.Builder(%d bytes)", len(b.buf))
}

func (b *Builder) newline() *Builder {
	b.buf = append(b.buf, lf)
	return b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func boolByte(on bool) byte {
	if on {
		return 1
	}
	return 0
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func truncate(s string, w int) string {
	if runeLen(s) <= w {
		return s
	}
	return string([]rune(s)[:w])
}

func padLeft(s string, w int) string {
	if n := w - runeLen(s); n > 0 {
		return strings.Repeat(" ", n) + s
	}
	return s
}

func padRight(s string, w int) string {
	if n := w - runeLen(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}
