package transform

import (
	"github.com/pkg/errors"
)

// ErrImplausibleIntrinsics marks an invertible camera matrix whose values do not describe a real
// pinhole camera for the image it is paired with.
var ErrImplausibleIntrinsics = errors.New("implausible camera intrinsics")

// PinholeCameraIntrinsics are the focal lengths and principal point read off a camera matrix,
// together with the size of the images it projects.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid reports focal lengths that are not positive and principal points that fall outside
// the image. Back-projection still works in those cases, so callers usually only warn.
func (in *PinholeCameraIntrinsics) CheckValid() error {
	if in == nil {
		return errors.Wrap(ErrImplausibleIntrinsics, "no intrinsics")
	}
	if in.Width <= 0 || in.Height <= 0 {
		return errors.Wrapf(ErrImplausibleIntrinsics, "image size %dx%d", in.Width, in.Height)
	}
	if in.Fx <= 0 || in.Fy <= 0 {
		return errors.Wrapf(ErrImplausibleIntrinsics, "focal length (%v, %v)", in.Fx, in.Fy)
	}
	if in.Ppx < 0 || in.Ppx > float64(in.Width) || in.Ppy < 0 || in.Ppy > float64(in.Height) {
		return errors.Wrapf(ErrImplausibleIntrinsics,
			"principal point (%v, %v) outside %dx%d image", in.Ppx, in.Ppy, in.Width, in.Height)
	}
	return nil
}
