// Package imagesource provides the color frames of a session by position.
package imagesource

import (
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"go.viam.com/rgbdrecon/logging"
	"go.viam.com/rgbdrecon/rimage"
)

// ErrOutOfRange is returned when a frame position past the end of a source is requested.
var ErrOutOfRange = errors.New("frame position out of range")

// ColorSource is an index-addressable sequence of decoded color frames.
type ColorSource interface {
	// Len returns the number of frames.
	Len() int
	// Image decodes the frame at position k.
	Image(k int) (*rimage.Image, error)
}

// StaticSource serves images held in memory.
type StaticSource struct {
	Images []*rimage.Image
}

// Len returns the number of images.
func (ss *StaticSource) Len() int {
	return len(ss.Images)
}

// Image returns the stored image at k.
func (ss *StaticSource) Image(k int) (*rimage.Image, error) {
	if k < 0 || k >= len(ss.Images) {
		return nil, errors.Wrapf(ErrOutOfRange, "position %d of %d", k, len(ss.Images))
	}
	return ss.Images[k], nil
}

// FileSource serves image files matching a glob pattern, ordered by file name and decoded on
// demand.
type FileSource struct {
	paths  []string
	logger logging.Logger
}

// NewFileSource lists the files matching pattern. An empty match is not an error; the source is
// simply empty.
func NewFileSource(pattern string, logger logging.Logger) (*FileSource, error) {
	if logger == nil {
		logger = logging.NewBlankLogger("imagesource")
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "bad frame pattern %q", pattern)
	}
	sort.Strings(paths)
	logger.Debugw("listed color frames", "pattern", pattern, "count", len(paths))
	return &FileSource{paths: paths, logger: logger}, nil
}

// Paths returns the ordered file list.
func (fs *FileSource) Paths() []string {
	return append([]string(nil), fs.paths...)
}

// Len returns the number of files.
func (fs *FileSource) Len() int {
	return len(fs.paths)
}

// Image decodes the k-th file.
func (fs *FileSource) Image(k int) (*rimage.Image, error) {
	if k < 0 || k >= len(fs.paths) {
		return nil, errors.Wrapf(ErrOutOfRange, "position %d of %d", k, len(fs.paths))
	}
	return rimage.ReadImageFromFile(fs.paths[k])
}
