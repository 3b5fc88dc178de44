// Package testutils builds synthetic capture sessions for tests.
package testutils

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/disintegration/imaging"
	"go.viam.com/test"

	"go.viam.com/rgbdrecon/rimage"
	"go.viam.com/rgbdrecon/rimage/depthstream"
)

// FrameGlob matches the frames written by WriteSession, relative to the session directory.
const FrameGlob = "images/*.png"

// SessionSpec describes a synthetic session directory.
type SessionSpec struct {
	ColorWidth, ColorHeight int
	DepthWidth, DepthHeight int

	// Intrinsic is the 9 stored (column-major) values of K. Defaults to identity.
	Intrinsic []float64
	// Depths holds one row-major frame per depth record.
	Depths [][]float32
	// Colors holds one solid color per extracted image frame.
	Colors []color.NRGBA
	// Poses maps frame index to 16 stored (column-major) values. Defaults to an identity pose for
	// every color frame.
	Poses map[int][]float64
}

// IdentityStored returns the stored layout of an n x n identity matrix.
func IdentityStored(n int) []float64 {
	vals := make([]float64, n*n)
	for i := 0; i < n; i++ {
		vals[i*n+i] = 1
	}
	return vals
}

// StoredIntrinsic returns the stored layout of K with the given focal lengths and principal point.
func StoredIntrinsic(fx, fy, cx, cy float64) []float64 {
	return []float64{fx, 0, 0, 0, fy, 0, cx, cy, 1}
}

// StoredTranslation returns the stored layout of a pose that only translates.
func StoredTranslation(x, y, z float64) []float64 {
	vals := IdentityStored(4)
	vals[12], vals[13], vals[14] = x, y, z
	return vals
}

// ConstantDepth returns a w x h frame filled with d.
func ConstantDepth(w, h int, d float32) []float32 {
	vals := make([]float32, w*h)
	for i := range vals {
		vals[i] = d
	}
	return vals
}

// WriteDepthContainer writes frames to path in the depth container format.
func WriteDepthContainer(t *testing.T, path string, w, h int, frames [][]float32) {
	t.Helper()
	//nolint:gosec
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, f.Close(), test.ShouldBeNil)
	}()
	writer := depthstream.NewWriter(f)
	for _, frame := range frames {
		dm, err := rimage.NewDepthMapFromFloat32s(w, h, frame)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, writer.WriteFrame(dm), test.ShouldBeNil)
	}
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.WriteFile(path, data, 0o600), test.ShouldBeNil)
}

func numbersText(t *testing.T, vals []float64) string {
	t.Helper()
	data, err := json.Marshal(vals)
	test.That(t, err, test.ShouldBeNil)
	return string(data)
}

// WriteSession lays out a session directory the way the capture app does, with frames already
// extracted into images/, and returns its path.
func WriteSession(t *testing.T, spec SessionSpec) string {
	t.Helper()
	dir := t.TempDir()

	intrinsic := spec.Intrinsic
	if intrinsic == nil {
		intrinsic = IdentityStored(3)
	}
	writeJSON(t, filepath.Join(dir, "metadata.json"), map[string]string{
		"color_width":  strconv.Itoa(spec.ColorWidth),
		"color_height": strconv.Itoa(spec.ColorHeight),
		"depth_width":  strconv.Itoa(spec.DepthWidth),
		"depth_height": strconv.Itoa(spec.DepthHeight),
		"intrinsic":    numbersText(t, intrinsic),
		"scene_name":   "synthetic",
		"scene_type":   "test",
	})

	poses := spec.Poses
	if poses == nil {
		poses = make(map[int][]float64, len(spec.Colors))
		for i := range spec.Colors {
			poses[i] = IdentityStored(4)
		}
	}
	rawPoses := make(map[string]string, len(poses))
	for idx, vals := range poses {
		rawPoses[strconv.Itoa(idx)] = numbersText(t, vals)
	}
	writeJSON(t, filepath.Join(dir, "trans.json"), rawPoses)

	WriteDepthContainer(t, filepath.Join(dir, "depth.bin"), spec.DepthWidth, spec.DepthHeight, spec.Depths)

	imagesDir := filepath.Join(dir, "images")
	test.That(t, os.MkdirAll(imagesDir, 0o750), test.ShouldBeNil)
	for i, c := range spec.Colors {
		img := image.NewNRGBA(image.Rect(0, 0, spec.ColorWidth, spec.ColorHeight))
		for y := 0; y < spec.ColorHeight; y++ {
			for x := 0; x < spec.ColorWidth; x++ {
				img.SetNRGBA(x, y, c)
			}
		}
		// capture frame numbering starts at 1
		name := filepath.Join(imagesDir, fmt.Sprintf("frame_%05d.png", i+1))
		test.That(t, imaging.Save(img, name), test.ShouldBeNil)
	}
	return dir
}
