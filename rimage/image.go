package rimage

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Image is a mutable, row-major RGB image. Alpha is carried for compatibility with image.Image
// but is always opaque for decoded captures.
type Image struct {
	data          []color.NRGBA
	width, height int
}

// NewImage returns a blank image of the given size.
func NewImage(width, height int) *Image {
	return &Image{
		data:   make([]color.NRGBA, width*height),
		width:  width,
		height: height,
	}
}

// ConvertImage converts an arbitrary image.Image into an *Image.
func ConvertImage(img image.Image) *Image {
	if ii, ok := img.(*Image); ok {
		return ii
	}
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	ii := NewImage(b.Dx(), b.Dy())
	for y := 0; y < ii.height; y++ {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := 0; x < ii.width; x++ {
			i := x * 4
			ii.data[ii.kxy(x, y)] = color.NRGBA{row[i], row[i+1], row[i+2], 255}
		}
	}
	return ii
}

// ReadImageFromFile decodes a jpg/png/etc. file from disk.
func ReadImageFromFile(path string) (*Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode image %q", path)
	}
	return ConvertImage(img), nil
}

func (i *Image) kxy(x, y int) int {
	return (y * i.width) + x
}

// ColorModel returns the NRGBA model.
func (i *Image) ColorModel() color.Model {
	return color.NRGBAModel
}

// Bounds returns the rectangle dimensions of the image.
func (i *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, i.width, i.height)
}

// Width returns the number of columns.
func (i *Image) Width() int {
	return i.width
}

// Height returns the number of rows.
func (i *Image) Height() int {
	return i.height
}

// At returns the color at the given coordinate.
func (i *Image) At(x, y int) color.Color {
	return i.data[i.kxy(x, y)]
}

// GetXY returns the color at column x and row y.
func (i *Image) GetXY(x, y int) color.NRGBA {
	return i.data[i.kxy(x, y)]
}

// SetXY sets the color at column x and row y.
func (i *Image) SetXY(x, y int, c color.NRGBA) {
	i.data[i.kxy(x, y)] = c
}
