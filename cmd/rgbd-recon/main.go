// Package main reconstructs a colored point cloud from a recorded RGB-D session.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/rgbdrecon/config"
	"go.viam.com/rgbdrecon/ffmpeg"
	"go.viam.com/rgbdrecon/logging"
	"go.viam.com/rgbdrecon/pointcloud"
	"go.viam.com/rgbdrecon/reconstruct"
	"go.viam.com/rgbdrecon/rimage/imagesource"
	"go.viam.com/rgbdrecon/rimage/transform"
	"go.viam.com/rgbdrecon/session"
)

const (
	// Flags.
	flagConfig        = "config"
	flagDebug         = "debug"
	flagLogFile       = "log-file"
	flagSession       = "session"
	flagStride        = "stride"
	flagNativeFPS     = "fps"
	flagPrefetch      = "prefetch"
	flagReuseFrames   = "reuse-frames"
	flagSkipExtract   = "skip-extract"
	flagFrameGlob     = "frame-glob"
	flagOutput        = "output"
	flagFormat        = "format"
	flagCamerasOutput = "cameras-output"
	flagCameraScale   = "camera-scale"
	flagUnitScale     = "unit-scale"
	flagNoFlipRows    = "no-flip-rows"
	flagNoNegateZ     = "no-negate-z"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

type appState struct {
	logger    logging.Logger
	logCloser func() error
}

func newApp() *cli.App {
	state := &appState{}
	sessionFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load settings from JSON `FILE`; flags override it",
		},
		&cli.StringFlag{
			Name:    flagSession,
			Aliases: []string{"s"},
			Usage:   "session `DIR` holding metadata.json, trans.json, depth.bin and rgb.mp4",
		},
		&cli.IntFlag{Name: flagStride, Usage: "use every Nth frame; must divide the native frame rate"},
		&cli.StringFlag{Name: flagFrameGlob, Usage: "extracted frame pattern, relative to the session dir"},
		&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "point cloud output `FILE`"},
		&cli.StringFlag{Name: flagFormat, Usage: "output format: pcd_binary, pcd_ascii or las"},
	}

	return &cli.App{
		Name:  "rgbd-recon",
		Usage: "reconstruct colored point clouds from RGB-D capture sessions",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to a rotating `FILE`",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				state.logger = logging.NewDebugLogger("rgbd-recon")
			} else {
				state.logger = logging.NewLogger("rgbd-recon")
			}
			if path := c.String(flagLogFile); path != "" {
				appender, closer := logging.NewFileAppender(path)
				state.logger.AddAppender(appender)
				state.logCloser = closer.Close
			}
			return nil
		},
		After: func(c *cli.Context) error {
			if state.logger == nil {
				return nil
			}
			//nolint:errcheck
			_ = state.logger.Sync()
			if state.logCloser != nil {
				return state.logCloser()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "reconstruct",
				Usage: "extract frames, back-project every frame and write the point cloud",
				Flags: append(append([]cli.Flag{}, sessionFlags...),
					&cli.IntFlag{Name: flagNativeFPS, Usage: "frame rate the session was recorded at"},
					&cli.BoolFlag{Name: flagPrefetch, Usage: "read the next frame while projecting the current one"},
					&cli.BoolFlag{Name: flagReuseFrames, Usage: "keep frames already extracted into images/"},
					&cli.BoolFlag{Name: flagSkipExtract, Usage: "do not run ffmpeg; frames must already exist"},
					&cli.StringFlag{Name: flagCamerasOutput, Usage: "optional PCD `FILE` for camera frustums"},
					&cli.Float64Flag{Name: flagCameraScale, Usage: "depth at which camera frustums are drawn"},
					&cli.Float64Flag{Name: flagUnitScale, Usage: "multiply output coordinates by this factor"},
					&cli.BoolFlag{Name: flagNoFlipRows, Usage: "do not flip image rows when reading depth and color"},
					&cli.BoolFlag{Name: flagNoNegateZ, Usage: "do not negate the camera Z axis"},
				),
				Action: func(c *cli.Context) error {
					conf, err := configFromFlags(c)
					if err != nil {
						return err
					}
					_, err = realMain(c.Context, conf, c.Bool(flagSkipExtract), state.logger)
					return err
				},
			},
			{
				Name:  "info",
				Usage: "print a summary of a session directory",
				Flags: sessionFlags,
				Action: func(c *cli.Context) error {
					conf, err := configFromFlags(c)
					if err != nil {
						return err
					}
					return printInfo(c, conf, state.logger)
				},
			},
		},
	}
}

// configFromFlags layers explicitly set flags over the config file, if any, and validates.
func configFromFlags(c *cli.Context) (*config.Config, error) {
	attrs := map[string]interface{}{}
	if path := c.String(flagConfig); path != "" {
		var err error
		if attrs, err = config.ReadAttributes(path); err != nil {
			return nil, err
		}
	}
	set := func(flag, key string, value interface{}) {
		if c.IsSet(flag) {
			attrs[key] = value
		}
	}
	set(flagSession, "session_dir", c.String(flagSession))
	set(flagStride, "stride", c.Int(flagStride))
	set(flagFrameGlob, "frame_glob", c.String(flagFrameGlob))
	set(flagNativeFPS, "native_fps", c.Int(flagNativeFPS))
	set(flagPrefetch, "prefetch", c.Bool(flagPrefetch))
	set(flagReuseFrames, "reuse_frames", c.Bool(flagReuseFrames))
	set(flagOutput, "output", c.String(flagOutput))
	set(flagFormat, "output_format", c.String(flagFormat))
	set(flagCamerasOutput, "cameras_output", c.String(flagCamerasOutput))
	set(flagCameraScale, "camera_scale", c.Float64(flagCameraScale))
	set(flagUnitScale, "unit_scale", c.Float64(flagUnitScale))
	set(flagNoFlipRows, "flip_rows", !c.Bool(flagNoFlipRows))
	set(flagNoNegateZ, "negate_z", !c.Bool(flagNoNegateZ))
	return config.FromMap(attrs)
}

func realMain(ctx context.Context, conf *config.Config, skipExtract bool, logger logging.Logger) (_ reconstruct.Summary, err error) {
	if !skipExtract {
		if _, err := ffmpeg.ExtractFrames(ctx, conf.VideoPath(), conf.ImagesDir(), conf.ExtractOptions(), logger); err != nil {
			return reconstruct.Summary{}, err
		}
	}

	frames, err := session.Open(conf.SessionDir, conf.SessionOptions(), logger)
	if err != nil {
		return reconstruct.Summary{}, err
	}
	defer func() {
		err = multierr.Combine(err, frames.Close())
	}()

	checkIntrinsics(frames.Metadata(), logger)
	bp, err := transform.NewBackProjector(frames.Metadata().Camera, conf.Conventions())
	if err != nil {
		return reconstruct.Summary{}, err
	}
	sink, err := reconstruct.NewCloudSink(conf.CloudConfig(), logger)
	if err != nil {
		return reconstruct.Summary{}, err
	}

	summary, err := reconstruct.Run(ctx, frames, bp, sink, conf.RunOptions(), logger)
	if err != nil {
		return summary, errors.Wrap(err, "reconstruction failed")
	}
	return summary, sink.Close()
}

// checkIntrinsics warns about cameras that invert fine but are unlikely to be real, such as a
// principal point outside the image.
func checkIntrinsics(md *session.Metadata, logger logging.Logger) *transform.PinholeCameraIntrinsics {
	in := md.Camera.Intrinsics(md.ColorWidth, md.ColorHeight)
	if err := in.CheckValid(); err != nil {
		logger.Warnw("unusual intrinsics", "error", err)
	}
	return in
}

func printInfo(c *cli.Context, conf *config.Config, logger logging.Logger) error {
	md, err := session.LoadMetadata(conf.SessionDir)
	if err != nil {
		return err
	}
	in := checkIntrinsics(md, logger)
	colors, err := imagesource.NewFileSource(filepath.Join(conf.SessionDir, conf.FrameGlob), logger)
	if err != nil {
		return err
	}
	indices := md.PoseIndices()
	w := c.App.Writer
	fmt.Fprintf(w, "scene:        %s (%s)\n", md.SceneName, md.SceneType)
	fmt.Fprintf(w, "color:        %dx%d\n", md.ColorWidth, md.ColorHeight)
	fmt.Fprintf(w, "depth:        %dx%d\n", md.DepthWidth, md.DepthHeight)
	fmt.Fprintf(w, "intrinsics:   fx=%g fy=%g ppx=%g ppy=%g\n", in.Fx, in.Fy, in.Ppx, in.Ppy)
	fmt.Fprintf(w, "poses:        %d\n", len(indices))
	if len(indices) > 0 {
		fmt.Fprintf(w, "pose indices: %d..%d\n", indices[0], indices[len(indices)-1])
	}
	fmt.Fprintf(w, "frames:       %d extracted\n", colors.Len())

	out := conf.OutputPath()
	if _, err := os.Stat(out); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		fmt.Fprintf(w, "cloud:        none at %s\n", out)
		return nil
	}
	cloud, err := pointcloud.NewFromFile(out)
	if err != nil {
		return errors.Wrapf(err, "cannot read %q", out)
	}
	centroid := pointcloud.CloudCentroid(cloud)
	fmt.Fprintf(w, "cloud:        %s\n", out)
	fmt.Fprintf(w, "points:       %d\n", cloud.Size())
	fmt.Fprintf(w, "centroid:     %.3f %.3f %.3f\n", centroid.X, centroid.Y, centroid.Z)
	return nil
}
