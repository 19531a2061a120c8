package imagesrc

import (
	"image"
	"image/color"
)

// RGB is an opaque image stored as packed 3-byte pixels.
type RGB struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

// NewRGB allocates a black RGB image for r.
func NewRGB(r image.Rectangle) *RGB {
	return &RGB{
		Pix:    make([]uint8, 3*r.Dx()*r.Dy()),
		Stride: 3 * r.Dx(),
		Rect:   r,
	}
}

func (p *RGB) ColorModel() color.Model { return color.RGBAModel }

func (p *RGB) Bounds() image.Rectangle { return p.Rect }

func (p *RGB) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.PixOffset(x, y)
	return color.RGBA{p.Pix[i], p.Pix[i+1], p.Pix[i+2], 0xff}
}

// PixOffset returns the index of the first byte of the pixel at (x, y).
func (p *RGB) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*3
}

// Channels is always 3.
func (p *RGB) Channels() int { return 3 }

// Mean returns the average of each channel scaled to [0, 1].
func (p *RGB) Mean() [3]float64 {
	var sum [3]float64
	n := p.Rect.Dx() * p.Rect.Dy()
	if n == 0 {
		return sum
	}
	for y := 0; y < p.Rect.Dy(); y++ {
		row := p.Pix[y*p.Stride : y*p.Stride+3*p.Rect.Dx()]
		for i := 0; i < len(row); i += 3 {
			sum[0] += float64(row[i])
			sum[1] += float64(row[i+1])
			sum[2] += float64(row[i+2])
		}
	}
	for c := range sum {
		sum[c] /= float64(n) * 255
	}
	return sum
}
