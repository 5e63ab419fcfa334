package escpos

import (
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// MaxDots is the printable width of a 58mm head at 203 dpi.
const MaxDots = 384

// luminance below this prints as a black dot.
const rasterThreshold = 128

// Image prints img as a raster bit image (GS v 0). The image is converted
// to grayscale, scaled down to at most maxDots wide (aspect preserved) and
// thresholded. A nil or empty image writes nothing.
func (b *Builder) Image(img image.Image, maxDots int) *Builder {
	if img == nil || img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return b
	}
	maxDots = clamp(maxDots, 8, MaxDots)

	gray := imaging.Grayscale(img)
	src := gray.Bounds()
	width := src.Dx()
	height := src.Dy()
	if width > maxDots {
		height = height * maxDots / width
		width = maxDots
		if height == 0 {
			height = 1
		}
	}
	scaled := image.NewGray(image.Rect(0, 0, width, height))
	if width == src.Dx() {
		draw.Draw(scaled, scaled.Bounds(), gray, src.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), gray, src, draw.Src, nil)
	}

	rowBytes := (width + 7) / 8
	b.buf = append(b.buf, gs, 'v', '0', 0,
		byte(rowBytes&0xFF), byte(rowBytes>>8),
		byte(height&0xFF), byte(height>>8),
	)
	for y := 0; y < height; y++ {
		for xb := 0; xb < rowBytes; xb++ {
			var v byte
			for bit := 0; bit < 8; bit++ {
				x := xb*8 + bit
				if x >= width {
					break
				}
				if scaled.GrayAt(x, y).Y < rasterThreshold {
					v |= 0x80 >> bit
				}
			}
			b.buf = append(b.buf, v)
		}
	}
	return b
}
