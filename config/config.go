// Package config reads and validates reconstruction settings.
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/rgbdrecon/ffmpeg"
	"go.viam.com/rgbdrecon/reconstruct"
	"go.viam.com/rgbdrecon/rimage/transform"
	"go.viam.com/rgbdrecon/session"
)

// A Config describes one reconstruction run.
type Config struct {
	SessionDir string `json:"session_dir"`
	Stride     int    `json:"stride"`
	NativeFPS  int    `json:"native_fps"`

	FlipRows bool `json:"flip_rows"`
	NegateZ  bool `json:"negate_z"`

	Prefetch    bool   `json:"prefetch"`
	ReuseFrames bool   `json:"reuse_frames"`
	FrameGlob   string `json:"frame_glob"`

	Output        string  `json:"output"`
	OutputFormat  string  `json:"output_format"`
	CamerasOutput string  `json:"cameras_output"`
	CameraScale   float64 `json:"camera_scale"`
	UnitScale     float64 `json:"unit_scale"`
}

// Default returns the settings used for anything a config leaves out.
func Default() Config {
	conv := transform.DefaultConventions()
	return Config{
		Stride:       1,
		NativeFPS:    ffmpeg.DefaultNativeFPS,
		FlipRows:     conv.FlipRows,
		NegateZ:      conv.NegateZ,
		FrameGlob:    filepath.Join(session.ImagesDir, "*.jpg"),
		OutputFormat: string(reconstruct.FormatPCDBinary),
		CameraScale:  0.1,
		UnitScale:    1,
	}
}

// Read reads a config from the given file, expanding environment variables first.
func Read(filePath string) (*Config, error) {
	attrs, err := ReadAttributes(filePath)
	if err != nil {
		return nil, err
	}
	return FromMap(attrs)
}

// ReadAttributes reads the raw attributes of a config file without applying defaults or
// validating, so that callers can layer overrides on top.
func ReadAttributes(filePath string) (map[string]interface{}, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return decodeAttributes(bytes.NewReader(buf))
}

// FromReader reads a JSON config from r.
func FromReader(r io.Reader) (*Config, error) {
	attrs, err := decodeAttributes(r)
	if err != nil {
		return nil, err
	}
	return FromMap(attrs)
}

func decodeAttributes(r io.Reader) (map[string]interface{}, error) {
	var attrs map[string]interface{}
	if err := json.NewDecoder(r).Decode(&attrs); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config from json")
	}
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	return attrs, nil
}

// FromMap decodes an attribute map over the defaults and validates the result. Unknown keys are
// rejected.
func FromMap(attrs map[string]interface{}) (*Config, error) {
	conf := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &conf,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config")
	}
	if err := conf.Validate(""); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.SessionDir == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "session_dir")
	}
	if err := ffmpeg.CheckStride(conf.NativeFPS, conf.Stride); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if !reconstruct.OutputFormat(conf.OutputFormat).Valid() {
		return utils.NewConfigValidationError(path, errors.Errorf("unknown output_format %q", conf.OutputFormat))
	}
	if conf.FrameGlob == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "frame_glob")
	}
	if conf.CameraScale <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("camera_scale must be positive, got %v", conf.CameraScale))
	}
	if conf.UnitScale <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("unit_scale must be positive, got %v", conf.UnitScale))
	}
	return nil
}

// Conventions returns the axis conventions to project with.
func (conf *Config) Conventions() transform.Conventions {
	return transform.Conventions{FlipRows: conf.FlipRows, NegateZ: conf.NegateZ}
}

// ImagesDir is where video frames are extracted to.
func (conf *Config) ImagesDir() string {
	return filepath.Join(conf.SessionDir, session.ImagesDir)
}

// VideoPath is the session's color video.
func (conf *Config) VideoPath() string {
	return filepath.Join(conf.SessionDir, session.VideoFile)
}

// OutputPath is where the point cloud is written. It defaults to a file in the session directory
// named after the output format.
func (conf *Config) OutputPath() string {
	if conf.Output != "" {
		return conf.Output
	}
	return filepath.Join(conf.SessionDir, "reconstruction"+reconstruct.OutputFormat(conf.OutputFormat).Extension())
}

// SessionOptions returns the options for opening the session.
func (conf *Config) SessionOptions() session.Options {
	return session.Options{Stride: conf.Stride, FrameGlob: conf.FrameGlob}
}

// CloudConfig returns the settings of the point cloud sink.
func (conf *Config) CloudConfig() reconstruct.CloudConfig {
	return reconstruct.CloudConfig{
		Output:        conf.OutputPath(),
		Format:        reconstruct.OutputFormat(conf.OutputFormat),
		CamerasOutput: conf.CamerasOutput,
		UnitScale:     conf.UnitScale,
	}
}

// ExtractOptions returns the settings for frame extraction.
func (conf *Config) ExtractOptions() ffmpeg.ExtractOptions {
	return ffmpeg.ExtractOptions{NativeFPS: conf.NativeFPS, Stride: conf.Stride, Reuse: conf.ReuseFrames}
}

// RunOptions returns the settings for the reconstruction loop.
func (conf *Config) RunOptions() reconstruct.Options {
	return reconstruct.Options{Prefetch: conf.Prefetch, CameraScale: conf.CameraScale}
}
