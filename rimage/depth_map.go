// Package rimage holds the color images and depth maps of a capture session.
package rimage

import (
	"encoding/binary"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// Depth is a single depth sample as recorded by the capture device.
type Depth float32

// Valid reports whether the sample carries a usable depth: strictly positive and finite.
func (d Depth) Valid() bool {
	f := float64(d)
	return f > 0 && !math.IsNaN(f) && !math.IsInf(f, 0)
}

// DepthMap is a row-major grid of depth samples. Row 0 is the first row stored in the
// capture container.
type DepthMap struct {
	width  int
	height int

	data []Depth
}

// NewEmptyDepthMap returns a zero filled depth map of the given size.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]Depth, width*height),
	}
}

// NewDepthMapFromFloat32s wraps row-major samples into a depth map.
func NewDepthMapFromFloat32s(width, height int, vals []float32) (*DepthMap, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("bad width or height for depth map %v %v", width, height)
	}
	if len(vals) != width*height {
		return nil, errors.Errorf("depth map %dx%d needs %d samples, got %d", width, height, width*height, len(vals))
	}
	dm := NewEmptyDepthMap(width, height)
	for i, v := range vals {
		dm.data[i] = Depth(v)
	}
	return dm, nil
}

// DepthMapFromBytes interprets raw as row-major little-endian float32 samples.
func DepthMapFromBytes(width, height int, raw []byte) (*DepthMap, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("bad width or height for depth map %v %v", width, height)
	}
	if len(raw) != width*height*4 {
		return nil, errors.Errorf("depth map %dx%d needs %d bytes, got %d", width, height, width*height*4, len(raw))
	}
	dm := NewEmptyDepthMap(width, height)
	for i := range dm.data {
		dm.data[i] = Depth(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
	}
	return dm, nil
}

// Bytes encodes the samples as row-major little-endian float32s, the inverse of DepthMapFromBytes.
func (dm *DepthMap) Bytes() []byte {
	raw := make([]byte, len(dm.data)*4)
	for i, d := range dm.data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(d)))
	}
	return raw
}

// HasData returns whether the map holds any samples.
func (dm *DepthMap) HasData() bool {
	return dm.width > 0 && dm.height > 0 && dm.data != nil
}

// Width returns the number of columns.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the number of rows.
func (dm *DepthMap) Height() int {
	return dm.height
}

func (dm *DepthMap) kxy(x, y int) int {
	return (y * dm.width) + x
}

// GetDepth returns the sample at column x and row y.
func (dm *DepthMap) GetDepth(x, y int) Depth {
	return dm.data[dm.kxy(x, y)]
}

// Set stores a sample at column x and row y.
func (dm *DepthMap) Set(x, y int, val Depth) {
	dm.data[dm.kxy(x, y)] = val
}

// Clone makes a copy of the depth map.
func (dm *DepthMap) Clone() *DepthMap {
	ret := NewEmptyDepthMap(dm.width, dm.height)
	copy(ret.data, dm.data)
	return ret
}

// ValidCount returns the number of samples that are strictly positive and finite.
func (dm *DepthMap) ValidCount() int {
	n := 0
	for _, d := range dm.data {
		if d.Valid() {
			n++
		}
	}
	return n
}

// ResizeNearest resamples the depth map onto a width x height grid by nearest neighbour. No
// blending happens: every output sample is a copy of exactly one input sample.
func (dm *DepthMap) ResizeNearest(width, height int) *DepthMap {
	if width == dm.width && height == dm.height {
		return dm.Clone()
	}
	ret := NewEmptyDepthMap(width, height)
	srcX := make([]int, width)
	for x := 0; x < width; x++ {
		srcX[x] = nearestIndex(x, dm.width, width)
	}
	for y := 0; y < height; y++ {
		sy := nearestIndex(y, dm.height, height)
		srcRow := dm.data[sy*dm.width : (sy+1)*dm.width]
		dstRow := ret.data[y*width : (y+1)*width]
		for x, sx := range srcX {
			dstRow[x] = srcRow[sx]
		}
	}
	return ret
}

// nearestIndex maps a destination index onto a source axis the way OpenCV's INTER_NEAREST does:
// floor(dst * src / dstLen), clamped to the last source index.
func nearestIndex(dst, srcLen, dstLen int) int {
	idx := dst * srcLen / dstLen
	if idx > srcLen-1 {
		idx = srcLen - 1
	}
	return idx
}

// DepthStats summarises the valid samples of a depth map.
type DepthStats struct {
	Valid   int
	Invalid int
	Min     float64
	Max     float64
	Median  float64
}

// Stats computes DepthStats over the valid samples. A map with no valid samples yields zero
// Min/Max/Median.
func (dm *DepthMap) Stats() (DepthStats, error) {
	valid := make(stats.Float64Data, 0, len(dm.data))
	for _, d := range dm.data {
		if d.Valid() {
			valid = append(valid, float64(d))
		}
	}
	ret := DepthStats{Valid: len(valid), Invalid: len(dm.data) - len(valid)}
	if len(valid) == 0 {
		return ret, nil
	}
	var err error
	if ret.Min, err = valid.Min(); err != nil {
		return ret, err
	}
	if ret.Max, err = valid.Max(); err != nil {
		return ret, err
	}
	if ret.Median, err = valid.Median(); err != nil {
		return ret, err
	}
	return ret, nil
}
