// Package session opens recorded RGB-D capture sessions and iterates their synchronized frames.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/rgbdrecon/rimage/transform"
)

// Files and directories of a session directory.
const (
	MetadataFile = "metadata.json"
	PosesFile    = "trans.json"
	DepthFile    = "depth.bin"
	VideoFile    = "rgb.mp4"
	ImagesDir    = "images"
)

// Metadata is the per-session camera description plus the pose table.
type Metadata struct {
	ColorWidth  int
	ColorHeight int
	DepthWidth  int
	DepthHeight int
	SceneName   string
	SceneType   string

	Camera *transform.CameraMatrix
	Poses  map[int]*transform.Pose
}

// rawMetadata mirrors metadata.json, where the recorder writes every value as a string.
type rawMetadata struct {
	ColorWidth  int         `mapstructure:"color_width"`
	ColorHeight int         `mapstructure:"color_height"`
	DepthWidth  int         `mapstructure:"depth_width"`
	DepthHeight int         `mapstructure:"depth_height"`
	Intrinsic   interface{} `mapstructure:"intrinsic"`
	SceneName   string      `mapstructure:"scene_name"`
	SceneType   string      `mapstructure:"scene_type"`
}

func decodeWeak(input, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           result,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// decodeNumbers accepts either a JSON array or a string holding the text of one.
func decodeNumbers(v interface{}) ([]float64, error) {
	if s, ok := v.(string); ok {
		var vals []float64
		if err := json.Unmarshal([]byte(s), &vals); err != nil {
			return nil, err
		}
		return vals, nil
	}
	var vals []float64
	if err := decodeWeak(v, &vals); err != nil {
		return nil, err
	}
	return vals, nil
}

func readJSONMap(path string) (map[string]interface{}, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "cannot parse %q", path)
	}
	return m, nil
}

// ParseMetadata decodes the contents of metadata.json. The returned metadata has no poses.
func ParseMetadata(attrs map[string]interface{}) (*Metadata, error) {
	var raw rawMetadata
	if err := decodeWeak(attrs, &raw); err != nil {
		return nil, errors.Wrap(err, "cannot decode session metadata")
	}
	for name, v := range map[string]int{
		"color_width":  raw.ColorWidth,
		"color_height": raw.ColorHeight,
		"depth_width":  raw.DepthWidth,
		"depth_height": raw.DepthHeight,
	} {
		if v <= 0 {
			return nil, errors.Errorf("metadata %q must be positive, got %d", name, v)
		}
	}
	if raw.Intrinsic == nil {
		return nil, errors.New("metadata is missing \"intrinsic\"")
	}
	vals, err := decodeNumbers(raw.Intrinsic)
	if err != nil {
		return nil, errors.Wrap(err, "cannot decode intrinsic")
	}
	cam, err := transform.NewCameraMatrixFromStored(vals)
	if err != nil {
		return nil, err
	}
	return &Metadata{
		ColorWidth:  raw.ColorWidth,
		ColorHeight: raw.ColorHeight,
		DepthWidth:  raw.DepthWidth,
		DepthHeight: raw.DepthHeight,
		SceneName:   raw.SceneName,
		SceneType:   raw.SceneType,
		Camera:      cam,
	}, nil
}

// ParsePoses decodes the contents of trans.json: frame index keys mapped to 16 numbers.
func ParsePoses(attrs map[string]interface{}) (map[int]*transform.Pose, error) {
	poses := make(map[int]*transform.Pose, len(attrs))
	for key, v := range attrs {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, errors.Wrapf(err, "pose key %q is not a frame index", key)
		}
		vals, err := decodeNumbers(v)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot decode pose %d", idx)
		}
		pose, err := transform.NewPoseFromStored(vals)
		if err != nil {
			return nil, errors.Wrapf(err, "pose %d", idx)
		}
		poses[idx] = pose
	}
	return poses, nil
}

// LoadMetadata reads metadata.json and trans.json from a session directory.
func LoadMetadata(dir string) (*Metadata, error) {
	attrs, err := readJSONMap(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	md, err := ParseMetadata(attrs)
	if err != nil {
		return nil, err
	}
	poseAttrs, err := readJSONMap(filepath.Join(dir, PosesFile))
	if err != nil {
		return nil, err
	}
	if md.Poses, err = ParsePoses(poseAttrs); err != nil {
		return nil, err
	}
	return md, nil
}

// PoseIndices returns the frame indices that have a pose, ascending.
func (md *Metadata) PoseIndices() []int {
	keys := lo.Keys(md.Poses)
	sort.Ints(keys)
	return keys
}
