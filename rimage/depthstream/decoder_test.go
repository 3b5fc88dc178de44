package depthstream

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rgbdrecon/logging"
	"go.viam.com/rgbdrecon/rimage"
)

const (
	testWidth  = 4
	testHeight = 3
)

// makeFrame returns a frame whose samples encode the frame index, so frames are distinguishable.
func makeFrame(t *testing.T, index int) *rimage.DepthMap {
	t.Helper()
	vals := make([]float32, testWidth*testHeight)
	for i := range vals {
		vals[i] = float32(index) + float32(i)/100
	}
	dm, err := rimage.NewDepthMapFromFloat32s(testWidth, testHeight, vals)
	test.That(t, err, test.ShouldBeNil)
	return dm
}

func makeContainer(t *testing.T, numFrames int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i := 0; i < numFrames; i++ {
		test.That(t, w.WriteFrame(makeFrame(t, i)), test.ShouldBeNil)
	}
	return buf.Bytes()
}

func decodeAll(t *testing.T, container []byte, opts ...Option) ([]*rimage.DepthMap, error) {
	t.Helper()
	d, err := NewDecoder(bytes.NewReader(container), testWidth, testHeight, opts...)
	test.That(t, err, test.ShouldBeNil)
	var frames []*rimage.DepthMap
	for {
		dm, err := d.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, dm)
	}
}

type countingInflater struct {
	calls int
}

func (ci *countingInflater) inflate(r io.Reader) io.ReadCloser {
	ci.calls++
	return RawInflater(r)
}

func TestDecodeAllFrames(t *testing.T) {
	container := makeContainer(t, 5)
	frames, err := decodeAll(t, container, WithLogger(logging.NewTestLogger(t)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(frames), test.ShouldEqual, 5)
	for i, dm := range frames {
		test.That(t, dm.Bytes(), test.ShouldResemble, makeFrame(t, i).Bytes())
	}
}

func TestStrideMatchesSelection(t *testing.T) {
	container := makeContainer(t, 10)
	all, err := decodeAll(t, container)
	test.That(t, err, test.ShouldBeNil)

	for _, stride := range []int{1, 2, 3, 4, 10, 11} {
		t.Run("", func(t *testing.T) {
			strided, err := decodeAll(t, container, WithStride(stride))
			test.That(t, err, test.ShouldBeNil)
			test.That(t, len(strided), test.ShouldEqual, (10+stride-1)/stride)
			for k, dm := range strided {
				test.That(t, dm.Bytes(), test.ShouldResemble, all[k*stride].Bytes())
			}
		})
	}
}

func TestSkippedFramesAreNotInflated(t *testing.T) {
	container := makeContainer(t, 9)
	counter := &countingInflater{}
	d, err := NewDecoder(bytes.NewReader(container), testWidth, testHeight,
		WithStride(4), WithInflater(counter.inflate))
	test.That(t, err, test.ShouldBeNil)

	returned := 0
	for {
		_, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		test.That(t, err, test.ShouldBeNil)
		returned++
	}
	// records 0, 4 and 8
	test.That(t, returned, test.ShouldEqual, 3)
	test.That(t, counter.calls, test.ShouldEqual, returned)
	test.That(t, d.Emitted(), test.ShouldEqual, returned)
	test.That(t, d.Records(), test.ShouldEqual, 9)
}

func TestCleanExhaustionIsSticky(t *testing.T) {
	d, err := NewDecoder(bytes.NewReader(makeContainer(t, 2)), testWidth, testHeight)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < 2; i++ {
		_, err := d.Next()
		test.That(t, err, test.ShouldBeNil)
	}
	_, err = d.Next()
	test.That(t, err, test.ShouldEqual, io.EOF)
	_, err = d.Next()
	test.That(t, err, test.ShouldEqual, io.EOF)
}

func TestEmptyContainer(t *testing.T) {
	frames, err := decodeAll(t, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frames, test.ShouldBeEmpty)
}

func TestTruncatedPayloadIsCorruption(t *testing.T) {
	container := makeContainer(t, 3)
	truncated := container[:len(container)-5]

	frames, err := decodeAll(t, truncated)
	test.That(t, len(frames), test.ShouldEqual, 2)
	test.That(t, errors.Is(err, ErrStreamCorruption), test.ShouldBeTrue)
	test.That(t, errors.Is(err, io.EOF), test.ShouldBeFalse)
}

func TestTruncatedSkippedRecordIsCorruption(t *testing.T) {
	container := makeContainer(t, 2)
	truncated := container[:len(container)-5]

	// record 1 is skipped, so the truncation is only visible through the seek bounds check
	counter := &countingInflater{}
	frames, err := decodeAll(t, truncated, WithStride(2), WithInflater(counter.inflate))
	test.That(t, len(frames), test.ShouldEqual, 1)
	test.That(t, errors.Is(err, ErrStreamCorruption), test.ShouldBeTrue)
	test.That(t, counter.calls, test.ShouldEqual, 1)
}

func TestPartialLengthPrefixIsCorruption(t *testing.T) {
	container := append(makeContainer(t, 1), 0x10, 0x00)
	frames, err := decodeAll(t, container)
	test.That(t, len(frames), test.ShouldEqual, 1)
	test.That(t, errors.Is(err, ErrStreamCorruption), test.ShouldBeTrue)
}

func TestOversizedLengthPrefixIsCorruption(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	test.That(t, w.WriteFrame(makeFrame(t, 0)), test.ShouldBeNil)
	// claims 1MiB but carries 3 bytes
	buf.Write([]byte{0x00, 0x00, 0x10, 0x00, 1, 2, 3})

	frames, err := decodeAll(t, buf.Bytes())
	test.That(t, len(frames), test.ShouldEqual, 1)
	test.That(t, errors.Is(err, ErrStreamCorruption), test.ShouldBeTrue)
}

func TestBadPayloadIsCorruption(t *testing.T) {
	t.Run("garbage", func(t *testing.T) {
		var buf bytes.Buffer
		test.That(t, NewWriter(&buf).WriteRecord([]byte{0xff, 0xff, 0xff, 0xff}), test.ShouldBeNil)
		_, err := decodeAll(t, buf.Bytes())
		test.That(t, errors.Is(err, ErrStreamCorruption), test.ShouldBeTrue)
	})

	t.Run("wrong frame size", func(t *testing.T) {
		var buf bytes.Buffer
		small, err := rimage.NewDepthMapFromFloat32s(2, 2, []float32{1, 2, 3, 4})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, NewWriter(&buf).WriteFrame(small), test.ShouldBeNil)
		_, err = decodeAll(t, buf.Bytes())
		test.That(t, errors.Is(err, ErrStreamCorruption), test.ShouldBeTrue)
	})

	t.Run("frame too large", func(t *testing.T) {
		var buf bytes.Buffer
		big := rimage.NewEmptyDepthMap(testWidth, testHeight+1)
		test.That(t, NewWriter(&buf).WriteFrame(big), test.ShouldBeNil)
		_, err := decodeAll(t, buf.Bytes())
		test.That(t, errors.Is(err, ErrStreamCorruption), test.ShouldBeTrue)
	})

	t.Run("no final block", func(t *testing.T) {
		var payload bytes.Buffer
		fw, err := flate.NewWriter(&payload, flate.DefaultCompression)
		test.That(t, err, test.ShouldBeNil)
		_, err = fw.Write(makeFrame(t, 0).Bytes())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fw.Flush(), test.ShouldBeNil)

		var buf bytes.Buffer
		test.That(t, NewWriter(&buf).WriteRecord(payload.Bytes()), test.ShouldBeNil)
		frames, err := decodeAll(t, buf.Bytes())
		test.That(t, frames, test.ShouldBeEmpty)
		test.That(t, errors.Is(err, ErrStreamCorruption), test.ShouldBeTrue)
	})
}

func TestZeroDepthFramesDecode(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i := 0; i < 2; i++ {
		test.That(t, w.WriteFrame(rimage.NewEmptyDepthMap(2, 2)), test.ShouldBeNil)
	}
	d, err := NewDecoder(bytes.NewReader(buf.Bytes()), 2, 2)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < 2; i++ {
		dm, err := d.Next()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dm.ValidCount(), test.ShouldEqual, 0)
	}
	_, err = d.Next()
	test.That(t, err, test.ShouldEqual, io.EOF)
}

func TestDecoderOptionsValidation(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader(nil), 0, 3)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewDecoder(bytes.NewReader(nil), 3, 3, WithStride(0))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOpenAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depth.bin")
	test.That(t, os.WriteFile(path, makeContainer(t, 3), 0o600), test.ShouldBeNil)

	d, err := Open(path, testWidth, testHeight, WithStride(2))
	test.That(t, err, test.ShouldBeNil)
	dm, err := d.Next()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dm.GetDepth(0, 0), test.ShouldEqual, rimage.Depth(0))
	dm, err = d.Next()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dm.GetDepth(0, 0), test.ShouldEqual, rimage.Depth(2))

	test.That(t, d.Close(), test.ShouldBeNil)
	_, err = d.Next()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, d.Close(), test.ShouldBeNil)

	_, err = Open(filepath.Join(t.TempDir(), "missing.bin"), testWidth, testHeight)
	test.That(t, err, test.ShouldNotBeNil)
}
