package pointcloud

import (
	"github.com/golang/geo/r3"
)

// PointAndData is a tiny struct to facilitate returning nearest neighbors in a neat way.
type PointAndData struct {
	P r3.Vector
	D Data
}

// matrixStorage keeps points in insertion order with a position index for lookups.
type matrixStorage struct {
	points   []PointAndData
	indexMap map[r3.Vector]uint
}

func (ms *matrixStorage) Size() int {
	return len(ms.points)
}

func (ms *matrixStorage) Set(p r3.Vector, d Data) {
	if i, found := ms.indexMap[p]; found {
		ms.points[i].D = d
		return
	}
	ms.points = append(ms.points, PointAndData{p, d})
	ms.indexMap[p] = uint(len(ms.points) - 1)
}

func (ms *matrixStorage) At(x, y, z float64) (Data, bool) {
	if i, found := ms.indexMap[r3.Vector{X: x, Y: y, Z: z}]; found {
		return ms.points[i].D, true
	}
	return nil, false
}

func (ms *matrixStorage) Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool) {
	if numBatches <= 0 {
		for _, pd := range ms.points {
			if !fn(pd.P, pd.D) {
				return
			}
		}
		return
	}
	lowerBound, upperBound := BatchBounds(len(ms.points), numBatches, myBatch)
	for i := lowerBound; i < upperBound; i++ {
		if !fn(ms.points[i].P, ms.points[i].D) {
			return
		}
	}
}

// BatchBounds returns the half-open index range [lower, upper) of batch myBatch when size items
// are split into numBatches contiguous batches.
func BatchBounds(size, numBatches, myBatch int) (int, int) {
	batchSize := (size + numBatches - 1) / numBatches
	lowerBound := myBatch * batchSize
	upperBound := (myBatch + 1) * batchSize
	if lowerBound > size {
		lowerBound = size
	}
	if upperBound > size {
		upperBound = size
	}
	return lowerBound, upperBound
}

// basicPointCloud is the basic implementation of the PointCloud interface backed by
// an ordered slice of points keyed by position.
type basicPointCloud struct {
	points *matrixStorage
	meta   MetaData
}

// New returns an empty PointCloud backed by a basicPointCloud.
func New() PointCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty, preallocated PointCloud backed by a basicPointCloud.
func NewWithPrealloc(size int) PointCloud {
	return &basicPointCloud{
		points: &matrixStorage{points: make([]PointAndData, 0, size), indexMap: make(map[r3.Vector]uint, size)},
		meta:   NewMetaData(),
	}
}

func (cloud *basicPointCloud) Size() int {
	return cloud.points.Size()
}

func (cloud *basicPointCloud) MetaData() MetaData {
	return cloud.meta
}

func (cloud *basicPointCloud) At(x, y, z float64) (Data, bool) {
	return cloud.points.At(x, y, z)
}

// Set stores the point, replacing the data of an existing point at the same position.
func (cloud *basicPointCloud) Set(p r3.Vector, d Data) error {
	cloud.points.Set(p, d)
	cloud.meta.Merge(p, d)
	return nil
}

func (cloud *basicPointCloud) Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool) {
	cloud.points.Iterate(numBatches, myBatch, fn)
}
