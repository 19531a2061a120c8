// Package imagesrc decodes image files into a fixed 3-channel RGB form.
package imagesrc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrEmptyImage is returned for images with no pixels.
var ErrEmptyImage = errors.New("image has no pixels")

// Decode reads any registered format and normalizes it to RGB. Transparent
// pixels are composited over white.
func Decode(r io.Reader) (*RGB, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decode %s image: %w", format, ErrEmptyImage)
	}
	return ToRGB(img), nil
}

// Open decodes the image file at path.
func Open(path string) (*RGB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// DecodeDataURI decodes a base64 payload, with or without a data: prefix.
func DecodeDataURI(s string) (*RGB, error) {
	payload := strings.TrimSpace(s)
	if after, found := strings.CutPrefix(payload, "data:"); found {
		prefix, data, hasComma := strings.Cut(after, ",")
		if !hasComma {
			return nil, fmt.Errorf("invalid data URI: no comma found")
		}
		if !strings.Contains(prefix, ";base64") {
			return nil, fmt.Errorf("only base64 data URIs are supported")
		}
		payload = data
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("base64 decode failed: %w", err)
		}
	}
	return Decode(bytes.NewReader(raw))
}

// ToRGB flattens img onto a white background and packs it.
func ToRGB(img image.Image) *RGB {
	if rgb, ok := img.(*RGB); ok {
		return rgb
	}

	b := img.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Over)

	out := NewRGB(canvas.Bounds())
	for y := 0; y < b.Dy(); y++ {
		src := canvas.Pix[y*canvas.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < b.Dx(); x++ {
			dst[3*x] = src[4*x]
			dst[3*x+1] = src[4*x+1]
			dst[3*x+2] = src[4*x+2]
		}
	}
	return out
}
