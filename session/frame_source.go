package session

import (
	"io"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rgbdrecon/logging"
	"go.viam.com/rgbdrecon/rimage"
	"go.viam.com/rgbdrecon/rimage/depthstream"
	"go.viam.com/rgbdrecon/rimage/imagesource"
	"go.viam.com/rgbdrecon/rimage/transform"
)

// SyncedRecord is the color image, depth map and pose sharing one logical frame index.
type SyncedRecord struct {
	// Index is the position in the emitted sequence, starting at 0.
	Index int
	// FrameIndex is Index scaled by the stride: the capture index of the color frame and pose.
	FrameIndex int

	Color *rimage.Image
	Depth *rimage.DepthMap
	Pose  *transform.Pose
}

// ColorImage returns the color frame.
func (r *SyncedRecord) ColorImage() *rimage.Image { return r.Color }

// DepthMap returns the depth frame.
func (r *SyncedRecord) DepthMap() *rimage.DepthMap { return r.Depth }

// CameraPose returns the camera-to-world pose.
func (r *SyncedRecord) CameraPose() *transform.Pose { return r.Pose }

// DepthSource yields depth frames in order and io.EOF once exhausted. A *depthstream.Decoder is
// one.
type DepthSource interface {
	Next() (*rimage.DepthMap, error)
	Close() error
}

// FrameSource walks the color, depth and pose channels of a session in lockstep. It is
// forward-only and ends at the first channel to run out.
//
//	for fs.Next() {
//		rec := fs.Record()
//	}
//	if err := fs.Err(); err != nil { ... }
type FrameSource struct {
	md     *Metadata
	colors imagesource.ColorSource
	depth  DepthSource
	stride int
	logger logging.Logger

	idx  int
	rec  *SyncedRecord
	err  error
	done bool
}

// NewFrameSource combines the channels of a session. depth must already apply the same stride,
// so that its n-th frame is capture frame n*stride. A nil logger discards output.
func NewFrameSource(
	md *Metadata,
	colors imagesource.ColorSource,
	depth DepthSource,
	stride int,
	logger logging.Logger,
) (*FrameSource, error) {
	if md == nil || colors == nil || depth == nil {
		return nil, errors.New("frame source needs metadata, colors and depth")
	}
	if stride < 1 {
		return nil, errors.Errorf("stride must be at least 1, got %d", stride)
	}
	if logger == nil {
		logger = logging.NewBlankLogger("session")
	}
	return &FrameSource{
		md:     md,
		colors: colors,
		depth:  depth,
		stride: stride,
		logger: logger,
	}, nil
}

// Options selects how a session directory is read.
type Options struct {
	Stride int
	// FrameGlob is relative to the session directory.
	FrameGlob string
}

// Open loads a session directory whose frames have already been extracted.
func Open(dir string, opts Options, logger logging.Logger) (*FrameSource, error) {
	if logger == nil {
		logger = logging.NewBlankLogger("session")
	}
	if opts.Stride == 0 {
		opts.Stride = 1
	}
	if opts.FrameGlob == "" {
		opts.FrameGlob = filepath.Join(ImagesDir, "*.jpg")
	}
	md, err := LoadMetadata(dir)
	if err != nil {
		return nil, err
	}
	colors, err := imagesource.NewFileSource(filepath.Join(dir, opts.FrameGlob), logger)
	if err != nil {
		return nil, err
	}
	depth, err := depthstream.Open(
		filepath.Join(dir, DepthFile),
		md.DepthWidth, md.DepthHeight,
		depthstream.WithStride(opts.Stride),
		depthstream.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	fs, err := NewFrameSource(md, colors, depth, opts.Stride, logger)
	if err != nil {
		return nil, multierr.Combine(err, depth.Close())
	}
	logger.Infow("opened session",
		"dir", dir,
		"color_frames", colors.Len(),
		"poses", len(md.Poses),
		"stride", opts.Stride,
	)
	return fs, nil
}

// Metadata returns the session metadata.
func (fs *FrameSource) Metadata() *Metadata {
	return fs.md
}

// Next advances to the next record. It returns false once any channel is exhausted or a fatal
// error occurred; Err distinguishes the two.
func (fs *FrameSource) Next() bool {
	if fs.done {
		return false
	}
	fs.rec = nil
	frameIdx := fs.idx * fs.stride

	if frameIdx >= fs.colors.Len() {
		return fs.finish("color frames exhausted", frameIdx)
	}
	pose, ok := fs.md.Poses[frameIdx]
	if !ok {
		return fs.finish("no pose for frame", frameIdx)
	}
	dm, err := fs.depth.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fs.finish("depth stream exhausted", frameIdx)
		}
		return fs.fail(errors.Wrapf(err, "depth for frame %d", frameIdx))
	}
	img, err := fs.colors.Image(frameIdx)
	if err != nil {
		return fs.fail(errors.Wrapf(err, "color for frame %d", frameIdx))
	}

	fs.rec = &SyncedRecord{
		Index:      fs.idx,
		FrameIndex: frameIdx,
		Color:      img,
		Depth:      dm,
		Pose:       pose,
	}
	fs.idx++
	return true
}

func (fs *FrameSource) finish(reason string, frameIdx int) bool {
	fs.logger.Debugw("frame source done", "reason", reason, "frame", frameIdx, "records", fs.idx)
	fs.done = true
	return false
}

func (fs *FrameSource) fail(err error) bool {
	fs.err = err
	fs.done = true
	return false
}

// Record returns the record produced by the last successful Next.
func (fs *FrameSource) Record() *SyncedRecord {
	return fs.rec
}

// Err returns the fatal error that stopped iteration, or nil if the session simply ran out.
func (fs *FrameSource) Err() error {
	return fs.err
}

// Close releases the depth container. Further calls to Next return false.
func (fs *FrameSource) Close() error {
	fs.done = true
	fs.rec = nil
	return fs.depth.Close()
}
