// Package ffmpeg extracts the color frames of a session video with the ffmpeg tool.
package ffmpeg

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"go.viam.com/rgbdrecon/logging"
)

// ErrExternalToolFailure is returned when ffmpeg is missing or exits unsuccessfully. Failures are
// not retried.
var ErrExternalToolFailure = errors.New("external tool failure")

const (
	// DefaultNativeFPS is the frame rate sessions are recorded at.
	DefaultNativeFPS = 60
	// FramePattern names extracted frames so that lexical order is capture order.
	FramePattern = "frame_%05d.jpg"
	frameGlob    = "frame_*.jpg"
)

// ExtractOptions tunes frame extraction.
type ExtractOptions struct {
	NativeFPS int
	Stride    int
	// Reuse keeps frames already present in the output directory instead of re-extracting.
	Reuse bool

	InputKWArgs  map[string]interface{}
	OutputKWArgs map[string]interface{}
}

// CheckStride verifies that a stride evenly divides the native frame rate.
func CheckStride(nativeFPS, stride int) error {
	if nativeFPS <= 0 {
		return errors.Errorf("native fps must be positive, got %d", nativeFPS)
	}
	if stride < 1 {
		return errors.Errorf("stride must be at least 1, got %d", stride)
	}
	if nativeFPS%stride != 0 {
		return errors.Errorf("stride %d does not divide native fps %d", stride, nativeFPS)
	}
	return nil
}

// CountFrames returns how many extracted frames dir holds.
func CountFrames(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, frameGlob))
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// ExtractFrames writes every frame of video into outDir as high quality jpgs and returns the
// number of frames written. outDir is wiped first unless opts.Reuse is set and it already holds
// frames.
func ExtractFrames(ctx context.Context, video, outDir string, opts ExtractOptions, logger logging.Logger) (int, error) {
	if logger == nil {
		logger = logging.NewBlankLogger("ffmpeg")
	}
	if opts.NativeFPS == 0 {
		opts.NativeFPS = DefaultNativeFPS
	}
	if opts.Stride == 0 {
		opts.Stride = 1
	}
	if err := CheckStride(opts.NativeFPS, opts.Stride); err != nil {
		return 0, err
	}

	if opts.Reuse {
		n, err := CountFrames(outDir)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			logger.Infow("reusing extracted frames", "dir", outDir, "count", n)
			return n, nil
		}
	}

	if err := os.RemoveAll(outDir); err != nil {
		return 0, errors.Wrapf(err, "cannot clear %q", outDir)
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return 0, err
	}

	// make sure ffmpeg is in the path before doing anything else
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return 0, errors.Wrap(ErrExternalToolFailure, err.Error())
	}

	outArgs := ffmpeg.KwArgs{"q:v": 2}
	for key, value := range opts.OutputKWArgs {
		outArgs[key] = value
	}
	inArgs := ffmpeg.KwArgs{}
	for key, value := range opts.InputKWArgs {
		inArgs[key] = value
	}

	logger.Infow("extracting frames", "video", video, "dir", outDir)
	var stderr bytes.Buffer
	stream := ffmpeg.Input(video, inArgs).
		Output(filepath.Join(outDir, FramePattern), outArgs).
		OverWriteOutput().
		WithErrorOutput(&stderr)
	stream.Context = ctx
	if err := stream.Run(); err != nil {
		return 0, errors.Wrapf(ErrExternalToolFailure, "ffmpeg on %q: %v: %s", video, err, strings.TrimSpace(stderr.String()))
	}

	n, err := CountFrames(outDir)
	if err != nil {
		return 0, err
	}
	logger.Debugw("extracted frames", "count", n)
	return n, nil
}
