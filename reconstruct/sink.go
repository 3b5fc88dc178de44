package reconstruct

import (
	"context"
	"image/color"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rgbdrecon/logging"
	"go.viam.com/rgbdrecon/pointcloud"
	"go.viam.com/rgbdrecon/rimage/transform"
	"go.viam.com/rgbdrecon/session"
)

// Camera is where one frame was captured from.
type Camera struct {
	FrameIndex int
	Intrinsics *transform.PinholeCameraIntrinsics
	Pose       *transform.Pose
	// Center and Corners outline the viewing frustum in world space.
	Center  r3.Vector
	Corners [4]r3.Vector
}

// A Sink consumes the output of a reconstruction.
type Sink interface {
	AddBatch(ctx context.Context, rec *session.SyncedRecord, batch *pointcloud.Batch) error
	AddCamera(ctx context.Context, cam Camera) error
	Close() error
}

// MultiSink fans out to several sinks in order.
type MultiSink []Sink

// AddBatch forwards to every sink, stopping at the first error.
func (ms MultiSink) AddBatch(ctx context.Context, rec *session.SyncedRecord, batch *pointcloud.Batch) error {
	for _, s := range ms {
		if err := s.AddBatch(ctx, rec, batch); err != nil {
			return err
		}
	}
	return nil
}

// AddCamera forwards to every sink, stopping at the first error.
func (ms MultiSink) AddCamera(ctx context.Context, cam Camera) error {
	for _, s := range ms {
		if err := s.AddCamera(ctx, cam); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and combines their errors.
func (ms MultiSink) Close() error {
	var err error
	for _, s := range ms {
		err = multierr.Combine(err, s.Close())
	}
	return err
}

// OutputFormat selects how the accumulated cloud is written.
type OutputFormat = pointcloud.FileFormat

// Supported output formats.
const (
	FormatPCDBinary = pointcloud.FilePCDBinary
	FormatPCDAscii  = pointcloud.FilePCDAscii
	FormatLAS       = pointcloud.FileLAS
)

var cameraColor = color.NRGBA{255, 0, 0, 255}

const defaultFrustumSamples = 20

// CloudConfig configures a CloudSink.
type CloudConfig struct {
	// Output is where the point cloud is written on Close. Empty keeps it in memory only.
	Output string
	Format OutputFormat
	// CamerasOutput is an optional PCD file receiving sampled camera frustums.
	CamerasOutput string
	// UnitScale multiplies every coordinate before it is stored. Zero means 1.
	UnitScale      float64
	FrustumSamples int
}

// CloudSink accumulates every batch into one point cloud and writes it out on Close.
type CloudSink struct {
	cfg     CloudConfig
	cloud   pointcloud.PointCloud
	cameras pointcloud.PointCloud
	logger  logging.Logger
}

// NewCloudSink returns an empty CloudSink.
func NewCloudSink(cfg CloudConfig, logger logging.Logger) (*CloudSink, error) {
	if cfg.Format == "" {
		cfg.Format = FormatPCDBinary
	}
	if !cfg.Format.Valid() {
		return nil, errors.Errorf("unknown output format %q", cfg.Format)
	}
	if cfg.UnitScale == 0 {
		cfg.UnitScale = 1
	}
	if cfg.FrustumSamples <= 0 {
		cfg.FrustumSamples = defaultFrustumSamples
	}
	if logger == nil {
		logger = logging.NewBlankLogger("reconstruct")
	}
	return &CloudSink{
		cfg:     cfg,
		cloud:   pointcloud.New(),
		cameras: pointcloud.New(),
		logger:  logger,
	}, nil
}

// Cloud returns the accumulated point cloud.
func (cs *CloudSink) Cloud() pointcloud.PointCloud {
	return cs.cloud
}

// Cameras returns the accumulated frustum points.
func (cs *CloudSink) Cameras() pointcloud.PointCloud {
	return cs.cameras
}

// AddBatch stores the batch's points.
func (cs *CloudSink) AddBatch(ctx context.Context, rec *session.SyncedRecord, batch *pointcloud.Batch) error {
	if cs.cfg.UnitScale != 1 {
		batch = batch.Scale(cs.cfg.UnitScale)
	}
	return batch.AddTo(cs.cloud)
}

// AddCamera stores a sampled frustum for the camera.
func (cs *CloudSink) AddCamera(ctx context.Context, cam Camera) error {
	frustum := pointcloud.CameraFrustum(cam.Center, cam.Corners, cs.cfg.FrustumSamples, cameraColor)
	if cs.cfg.UnitScale != 1 {
		frustum = frustum.Scale(cs.cfg.UnitScale)
	}
	return frustum.AddTo(cs.cameras)
}

// Close writes the configured outputs.
func (cs *CloudSink) Close() error {
	var err error
	if cs.cfg.Output != "" {
		if werr := pointcloud.WriteToFile(cs.cloud, cs.cfg.Output, cs.cfg.Format); werr != nil {
			err = multierr.Combine(err, errors.Wrapf(werr, "cannot write %q", cs.cfg.Output))
		} else {
			cs.logger.Infow("wrote point cloud",
				"path", cs.cfg.Output,
				"format", cs.cfg.Format,
				"points", cs.cloud.Size(),
				"centroid", pointcloud.CloudCentroid(cs.cloud),
			)
		}
	}
	if cs.cfg.CamerasOutput != "" {
		if werr := pointcloud.WriteToFile(cs.cameras, cs.cfg.CamerasOutput, FormatPCDBinary); werr != nil {
			err = multierr.Combine(err, errors.Wrapf(werr, "cannot write %q", cs.cfg.CamerasOutput))
		} else {
			cs.logger.Infow("wrote cameras", "path", cs.cfg.CamerasOutput, "points", cs.cameras.Size())
		}
	}
	return err
}
