package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rgbdrecon/logging"
)

func TestCheckStride(t *testing.T) {
	for _, stride := range []int{1, 2, 3, 4, 5, 6, 10, 12, 15, 20, 30, 60} {
		test.That(t, CheckStride(60, stride), test.ShouldBeNil)
	}
	test.That(t, CheckStride(60, 7), test.ShouldNotBeNil)
	test.That(t, CheckStride(60, 0), test.ShouldNotBeNil)
	test.That(t, CheckStride(0, 1), test.ShouldNotBeNil)
}

func touchFrames(t *testing.T, dir string, n int) {
	t.Helper()
	test.That(t, os.MkdirAll(dir, 0o750), test.ShouldBeNil)
	for i := 0; i < n; i++ {
		name := filepath.Join(dir, "frame_0000"+string(rune('1'+i))+".jpg")
		test.That(t, os.WriteFile(name, nil, 0o600), test.ShouldBeNil)
	}
}

func TestExtractReusesFrames(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := filepath.Join(t.TempDir(), "images")
	touchFrames(t, dir, 3)

	n, err := ExtractFrames(context.Background(), "does-not-exist.mp4", dir, ExtractOptions{Reuse: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 3)
}

func TestExtractBadStride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "images")
	touchFrames(t, dir, 2)
	_, err := ExtractFrames(context.Background(), "rgb.mp4", dir, ExtractOptions{Stride: 7}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	// validation happens before the directory is touched
	n, err := CountFrames(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 2)
}

func TestExtractToolFailure(t *testing.T) {
	logger := logging.NewTestLogger(t)
	root := t.TempDir()
	dir := filepath.Join(root, "images")
	touchFrames(t, dir, 2)

	_, err := ExtractFrames(context.Background(), filepath.Join(root, "missing.mp4"), dir, ExtractOptions{}, logger)
	test.That(t, errors.Is(err, ErrExternalToolFailure), test.ShouldBeTrue)

	// stale frames were cleared before the tool ran
	n, err := CountFrames(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 0)
}
