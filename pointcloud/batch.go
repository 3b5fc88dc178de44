package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"
)

// Batch is the ordered output of back-projecting one frame: Points[i] was sampled with
// Colors[i]. Order follows the row-major traversal of the color grid, so identical input always
// produces an identical batch.
type Batch struct {
	Points []r3.Vector
	Colors []color.NRGBA
}

// NewBatch returns an empty batch with room for capacity points.
func NewBatch(capacity int) *Batch {
	return &Batch{
		Points: make([]r3.Vector, 0, capacity),
		Colors: make([]color.NRGBA, 0, capacity),
	}
}

// Append adds one colored point.
func (b *Batch) Append(p r3.Vector, c color.NRGBA) {
	b.Points = append(b.Points, p)
	b.Colors = append(b.Colors, c)
}

// Len returns the number of points.
func (b *Batch) Len() int {
	return len(b.Points)
}

// Iterate calls fn for every point in order until fn returns false.
func (b *Batch) Iterate(fn func(p r3.Vector, c color.NRGBA) bool) {
	for i, p := range b.Points {
		if !fn(p, b.Colors[i]) {
			return
		}
	}
}

// AddTo stores every point of the batch in cloud as colored data.
func (b *Batch) AddTo(cloud PointCloud) error {
	for i, p := range b.Points {
		if err := cloud.Set(p, NewColoredData(b.Colors[i])); err != nil {
			return err
		}
	}
	return nil
}

// Scale returns a copy of the batch with every coordinate multiplied by s.
func (b *Batch) Scale(s float64) *Batch {
	ret := &Batch{
		Points: make([]r3.Vector, len(b.Points)),
		Colors: append([]color.NRGBA(nil), b.Colors...),
	}
	for i, p := range b.Points {
		ret.Points[i] = p.Mul(s)
	}
	return ret
}

// CameraFrustum samples the eight edges of a camera frustum (center to each image corner and
// around the image rectangle) as points, so that viewers without line primitives can draw it.
// Each edge gets samplesPerEdge points including its start but not its end.
func CameraFrustum(center r3.Vector, corners [4]r3.Vector, samplesPerEdge int, c color.NRGBA) *Batch {
	if samplesPerEdge < 1 {
		samplesPerEdge = 1
	}
	b := NewBatch(8 * samplesPerEdge)
	edge := func(from, to r3.Vector) {
		step := to.Sub(from).Mul(1 / float64(samplesPerEdge))
		for i := 0; i < samplesPerEdge; i++ {
			b.Append(from.Add(step.Mul(float64(i))), c)
		}
	}
	for _, corner := range corners {
		edge(center, corner)
	}
	for i := range corners {
		edge(corners[i], corners[(i+1)%len(corners)])
	}
	return b
}
