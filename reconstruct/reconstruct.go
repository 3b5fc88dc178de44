// Package reconstruct drives a session through back-projection into sinks.
package reconstruct

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/rgbdrecon/logging"
	"go.viam.com/rgbdrecon/pointcloud"
	"go.viam.com/rgbdrecon/rimage/transform"
	"go.viam.com/rgbdrecon/session"
)

// Frames is a pull iterator over synchronized records. *session.FrameSource is one.
type Frames interface {
	Next() bool
	Record() *session.SyncedRecord
	Err() error
}

// Filter transforms a batch before it reaches the sinks.
type Filter func(batch *pointcloud.Batch) (*pointcloud.Batch, error)

// PassThrough is the identity Filter.
func PassThrough(batch *pointcloud.Batch) (*pointcloud.Batch, error) {
	return batch, nil
}

// Options tunes a run.
type Options struct {
	Filter Filter
	// Prefetch reads the next record while the current one is projected. Records are still
	// consumed exactly once and in order.
	Prefetch bool
	// CameraScale is the depth at which camera frustums are drawn. Zero means 0.1.
	CameraScale float64
}

// Summary describes a finished run.
type Summary struct {
	Frames        int
	Points        int
	InvalidPixels int
}

const defaultCameraScale = 0.1

type runner struct {
	bp     *transform.BackProjector
	sink   Sink
	opts   Options
	logger logging.Logger

	summary Summary
}

// Run projects every record of frames and hands the results to sink. It stops at the end of
// frames, on the first error, or when ctx is done. sink is not closed. A nil logger discards
// output.
func Run(
	ctx context.Context,
	frames Frames,
	bp *transform.BackProjector,
	sink Sink,
	opts Options,
	logger logging.Logger,
) (Summary, error) {
	if frames == nil || bp == nil || sink == nil {
		return Summary{}, errors.New("run needs frames, a back projector and a sink")
	}
	if opts.Filter == nil {
		opts.Filter = PassThrough
	}
	if logger == nil {
		logger = logging.NewBlankLogger("reconstruct")
	}
	if opts.CameraScale == 0 {
		opts.CameraScale = defaultCameraScale
	}
	r := &runner{bp: bp, sink: sink, opts: opts, logger: logger}

	var err error
	if opts.Prefetch {
		err = r.runPrefetch(ctx, frames)
	} else {
		err = r.runSerial(ctx, frames)
	}
	if err != nil {
		return r.summary, err
	}
	logger.Infow("reconstruction done",
		"frames", r.summary.Frames,
		"points", r.summary.Points,
		"invalid_pixels", r.summary.InvalidPixels,
	)
	return r.summary, nil
}

func (r *runner) runSerial(ctx context.Context, frames Frames) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !frames.Next() {
			break
		}
		if err := r.process(ctx, frames.Record()); err != nil {
			return err
		}
	}
	return frames.Err()
}

func (r *runner) runPrefetch(ctx context.Context, frames Frames) error {
	g, gctx := errgroup.WithContext(ctx)
	records := make(chan *session.SyncedRecord, 1)

	g.Go(func() error {
		defer close(records)
		for {
			if err := gctx.Err(); err != nil {
				return err
			}
			if !frames.Next() {
				return frames.Err()
			}
			select {
			case records <- frames.Record():
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		for rec := range records {
			if err := r.process(gctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

func (r *runner) process(ctx context.Context, rec *session.SyncedRecord) error {
	batch, err := r.bp.Project(rec)
	if err != nil {
		return errors.Wrapf(err, "frame %d", rec.FrameIndex)
	}
	batch, err = r.opts.Filter(batch)
	if err != nil {
		return errors.Wrapf(err, "filtering frame %d", rec.FrameIndex)
	}
	if err := r.sink.AddBatch(ctx, rec, batch); err != nil {
		return err
	}

	img := rec.ColorImage()
	center, corners, err := r.bp.FrustumCorners(rec.Pose, img.Width(), img.Height(), r.opts.CameraScale)
	if err != nil {
		return err
	}
	if err := r.sink.AddCamera(ctx, Camera{
		FrameIndex: rec.FrameIndex,
		Intrinsics: r.bp.CameraMatrix().Intrinsics(img.Width(), img.Height()),
		Pose:       rec.Pose,
		Center:     center,
		Corners:    corners,
	}); err != nil {
		return err
	}

	stats, err := rec.Depth.Stats()
	if err != nil {
		return err
	}
	r.summary.Frames++
	r.summary.Points += batch.Len()
	r.summary.InvalidPixels += stats.Invalid
	r.logger.Debugw("projected frame",
		"frame", rec.FrameIndex,
		"points", batch.Len(),
		"valid_depth", stats.Valid,
		"median_depth", stats.Median,
		"min_depth", stats.Min,
		"max_depth", stats.Max,
	)
	return nil
}
