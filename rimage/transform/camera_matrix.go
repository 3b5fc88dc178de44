// Package transform holds the pinhole camera model and the back-projection of depth frames into
// world space.
package transform

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrPreconditionViolation is returned when camera parameters or frames handed to the
// projection code are malformed.
var ErrPreconditionViolation = errors.New("precondition violation")

func newPreconditionError(format string, args ...interface{}) error {
	return errors.Wrap(ErrPreconditionViolation, fmt.Sprintf(format, args...))
}

// CameraMatrix is a 3x3 intrinsic matrix K together with its inverse, which is computed once.
type CameraMatrix struct {
	k    *mat.Dense
	kInv *mat.Dense
}

// NewCameraMatrix checks that k is an invertible 3x3 matrix and precomputes its inverse.
func NewCameraMatrix(k mat.Matrix) (*CameraMatrix, error) {
	if k == nil {
		return nil, newPreconditionError("intrinsic matrix is nil")
	}
	if r, c := k.Dims(); r != 3 || c != 3 {
		return nil, newPreconditionError("intrinsic matrix must be 3x3, got %dx%d", r, c)
	}
	kCopy := mat.DenseCopyOf(k)
	var kInv mat.Dense
	if err := kInv.Inverse(kCopy); err != nil {
		return nil, errors.Wrap(ErrPreconditionViolation, "intrinsic matrix is not invertible: "+err.Error())
	}
	return &CameraMatrix{k: kCopy, kInv: &kInv}, nil
}

// NewCameraMatrixFromStored builds K from the 9 numbers of a session file. They are laid out
// column by column, so the row-major reading is transposed.
func NewCameraMatrixFromStored(vals []float64) (*CameraMatrix, error) {
	if len(vals) != 9 {
		return nil, newPreconditionError("intrinsic needs 9 values, got %d", len(vals))
	}
	stored := mat.NewDense(3, 3, append([]float64(nil), vals...))
	return NewCameraMatrix(stored.T())
}

// K returns a copy of the intrinsic matrix.
func (cm *CameraMatrix) K() *mat.Dense {
	return mat.DenseCopyOf(cm.k)
}

// Inverse returns a copy of K⁻¹.
func (cm *CameraMatrix) Inverse() *mat.Dense {
	return mat.DenseCopyOf(cm.kInv)
}

// Unproject returns K⁻¹·[x, y, 1]ᵀ scaled by z.
func (cm *CameraMatrix) Unproject(x, y, z float64) r3.Vector {
	ki := cm.kInv
	return r3.Vector{
		X: (ki.At(0, 0)*x + ki.At(0, 1)*y + ki.At(0, 2)) * z,
		Y: (ki.At(1, 0)*x + ki.At(1, 1)*y + ki.At(1, 2)) * z,
		Z: (ki.At(2, 0)*x + ki.At(2, 1)*y + ki.At(2, 2)) * z,
	}
}

// Intrinsics reads focal lengths and principal point off K for an image of the given size.
func (cm *CameraMatrix) Intrinsics(width, height int) *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     cm.k.At(0, 0),
		Fy:     cm.k.At(1, 1),
		Ppx:    cm.k.At(0, 2),
		Ppy:    cm.k.At(1, 2),
	}
}

// Pose is a 4x4 camera-to-world transform.
type Pose struct {
	m *mat.Dense
}

// NewPose checks that m is 4x4 and copies it.
func NewPose(m mat.Matrix) (*Pose, error) {
	if m == nil {
		return nil, newPreconditionError("pose is nil")
	}
	if r, c := m.Dims(); r != 4 || c != 4 {
		return nil, newPreconditionError("pose must be 4x4, got %dx%d", r, c)
	}
	return &Pose{m: mat.DenseCopyOf(m)}, nil
}

// NewPoseFromStored builds a pose from the 16 numbers of a session file, transposing the
// row-major reading the same way intrinsics are.
func NewPoseFromStored(vals []float64) (*Pose, error) {
	if len(vals) != 16 {
		return nil, newPreconditionError("pose needs 16 values, got %d", len(vals))
	}
	stored := mat.NewDense(4, 4, append([]float64(nil), vals...))
	return NewPose(stored.T())
}

// IdentityPose returns the pose that leaves camera coordinates unchanged.
func IdentityPose() *Pose {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return &Pose{m: m}
}

// Matrix returns a copy of the 4x4 matrix.
func (p *Pose) Matrix() *mat.Dense {
	return mat.DenseCopyOf(p.m)
}

// Transform multiplies [v, 1]ᵀ by the pose and drops the homogeneous row without dividing.
func (p *Pose) Transform(v r3.Vector) r3.Vector {
	m := p.m
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z + m.At(0, 3),
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z + m.At(1, 3),
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z + m.At(2, 3),
	}
}

// Translation is the camera center in world space.
func (p *Pose) Translation() r3.Vector {
	return r3.Vector{X: p.m.At(0, 3), Y: p.m.At(1, 3), Z: p.m.At(2, 3)}
}
