package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"
)

// NewVector convenience method for creating a vector.
func NewVector(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// Data is what a cloud stores alongside each position.
type Data interface {
	HasColor() bool
	// RGB255 returns the color components; zero when uncolored.
	RGB255() (uint8, uint8, uint8)
	Color() color.Color
	SetColor(c color.NRGBA) Data
}

type colorData struct {
	hasColor bool
	c        color.NRGBA
}

// NewBasicData returns data for a point read from a file without color.
func NewBasicData() Data {
	return &colorData{}
}

// NewColoredData returns data for a colored point.
func NewColoredData(c color.NRGBA) Data {
	return &colorData{c: c, hasColor: true}
}

func (cd *colorData) SetColor(c color.NRGBA) Data {
	cd.c = c
	cd.hasColor = true
	return cd
}

func (cd *colorData) HasColor() bool {
	return cd.hasColor
}

func (cd *colorData) RGB255() (uint8, uint8, uint8) {
	return cd.c.R, cd.c.G, cd.c.B
}

func (cd *colorData) Color() color.Color {
	return &cd.c
}
