package transform

import (
	"github.com/golang/geo/r3"

	"go.viam.com/rgbdrecon/pointcloud"
	"go.viam.com/rgbdrecon/rimage"
)

// Conventions are the axis conventions of the capture device relative to the pose data.
type Conventions struct {
	// FlipRows reads depth and color at row height-1-row for color-grid row `row`, for devices that
	// store row 0 at the bottom.
	FlipRows bool `json:"flip_rows"`
	// NegateZ negates the camera-space Z axis after unprojection.
	NegateZ bool `json:"negate_z"`
}

// DefaultConventions are the conventions of phone-recorded sessions.
func DefaultConventions() Conventions {
	return Conventions{FlipRows: true, NegateZ: true}
}

// RGBDFrame is one synchronized color, depth and pose sample.
type RGBDFrame interface {
	ColorImage() *rimage.Image
	DepthMap() *rimage.DepthMap
	CameraPose() *Pose
}

// BackProjector turns depth frames into world-space colored points through one camera model.
type BackProjector struct {
	cam  *CameraMatrix
	conv Conventions
}

// NewBackProjector returns a BackProjector for the given intrinsics.
func NewBackProjector(cam *CameraMatrix, conv Conventions) (*BackProjector, error) {
	if cam == nil {
		return nil, newPreconditionError("camera matrix is nil")
	}
	return &BackProjector{cam: cam, conv: conv}, nil
}

// Conventions returns the axis conventions in use.
func (bp *BackProjector) Conventions() Conventions {
	return bp.conv
}

// CameraMatrix returns the intrinsics in use.
func (bp *BackProjector) CameraMatrix() *CameraMatrix {
	return bp.cam
}

// Project back-projects a synchronized frame.
func (bp *BackProjector) Project(frame RGBDFrame) (*pointcloud.Batch, error) {
	if frame == nil {
		return nil, newPreconditionError("frame is nil")
	}
	return bp.ProjectRGBD(frame.ColorImage(), frame.DepthMap(), frame.CameraPose())
}

// ProjectRGBD resamples depth onto the color grid with nearest-neighbour lookup and emits one
// world-space point per pixel with valid depth, in row-major order of the color grid.
func (bp *BackProjector) ProjectRGBD(img *rimage.Image, dm *rimage.DepthMap, pose *Pose) (*pointcloud.Batch, error) {
	if img == nil {
		return nil, newPreconditionError("no rgb channel")
	}
	if dm == nil {
		return nil, newPreconditionError("no depth channel")
	}
	if pose == nil {
		return nil, newPreconditionError("no pose")
	}
	width, height := img.Width(), img.Height()
	if width <= 0 || height <= 0 {
		return nil, newPreconditionError("color image has zero size (%d,%d)", width, height)
	}
	if !dm.HasData() {
		return nil, newPreconditionError("depth map has zero size (%d,%d)", dm.Width(), dm.Height())
	}

	resized := dm
	if dm.Width() != width || dm.Height() != height {
		resized = dm.ResizeNearest(width, height)
	}

	batch := pointcloud.NewBatch(resized.ValidCount())
	for y := 0; y < height; y++ {
		srcY := y
		if bp.conv.FlipRows {
			srcY = height - 1 - y
		}
		for x := 0; x < width; x++ {
			z := resized.GetDepth(x, srcY)
			if !z.Valid() {
				continue
			}
			p := bp.cam.Unproject(float64(x), float64(y), float64(z))
			if bp.conv.NegateZ {
				p.Z = -p.Z
			}
			batch.Append(pose.Transform(p), img.GetXY(x, srcY))
		}
	}
	return batch, nil
}

// FrustumCorners returns the camera center and the world-space points of the four image
// corners unprojected to depth scale, clockwise from the top-left pixel.
func (bp *BackProjector) FrustumCorners(pose *Pose, width, height int, scale float64) (r3.Vector, [4]r3.Vector, error) {
	var corners [4]r3.Vector
	if pose == nil {
		return r3.Vector{}, corners, newPreconditionError("no pose")
	}
	if width <= 0 || height <= 0 {
		return r3.Vector{}, corners, newPreconditionError("image has zero size (%d,%d)", width, height)
	}
	px := [4][2]float64{{0, 0}, {float64(width), 0}, {float64(width), float64(height)}, {0, float64(height)}}
	for i, c := range px {
		p := bp.cam.Unproject(c[0], c[1], scale)
		if bp.conv.NegateZ {
			p.Z = -p.Z
		}
		corners[i] = pose.Transform(p)
	}
	return pose.Translation(), corners, nil
}
