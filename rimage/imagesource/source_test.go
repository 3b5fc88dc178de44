package imagesource

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rgbdrecon/logging"
	"go.viam.com/rgbdrecon/rimage"
)

func writeFrame(t *testing.T, path string, c color.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	test.That(t, imaging.Save(img, path), test.ShouldBeNil)
}

func TestFileSource(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	// written out of order on purpose
	writeFrame(t, filepath.Join(dir, "frame_00002.png"), color.NRGBA{0, 255, 0, 255})
	writeFrame(t, filepath.Join(dir, "frame_00001.png"), color.NRGBA{255, 0, 0, 255})
	writeFrame(t, filepath.Join(dir, "frame_00003.png"), color.NRGBA{0, 0, 255, 255})
	test.That(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600), test.ShouldBeNil)

	src, err := NewFileSource(filepath.Join(dir, "*.png"), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, src.Len(), test.ShouldEqual, 3)
	test.That(t, filepath.Base(src.Paths()[0]), test.ShouldEqual, "frame_00001.png")

	img, err := src.Image(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Width(), test.ShouldEqual, 3)
	test.That(t, img.Height(), test.ShouldEqual, 2)
	test.That(t, img.GetXY(2, 1), test.ShouldResemble, color.NRGBA{255, 0, 0, 255})

	img, err = src.Image(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.GetXY(0, 0), test.ShouldResemble, color.NRGBA{0, 0, 255, 255})

	_, err = src.Image(3)
	test.That(t, errors.Is(err, ErrOutOfRange), test.ShouldBeTrue)
	_, err = src.Image(-1)
	test.That(t, errors.Is(err, ErrOutOfRange), test.ShouldBeTrue)
}

func TestFileSourceEmpty(t *testing.T) {
	src, err := NewFileSource(filepath.Join(t.TempDir(), "*.jpg"), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, src.Len(), test.ShouldEqual, 0)

	_, err = NewFileSource("[", logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStaticSource(t *testing.T) {
	var src ColorSource = &StaticSource{Images: []*rimage.Image{rimage.NewImage(1, 1)}}
	test.That(t, src.Len(), test.ShouldEqual, 1)
	img, err := src.Image(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Width(), test.ShouldEqual, 1)
	_, err = src.Image(1)
	test.That(t, errors.Is(err, ErrOutOfRange), test.ShouldBeTrue)
}
