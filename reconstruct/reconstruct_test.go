package reconstruct

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rgbdrecon/logging"
	"go.viam.com/rgbdrecon/pointcloud"
	"go.viam.com/rgbdrecon/rimage"
	"go.viam.com/rgbdrecon/rimage/depthstream"
	"go.viam.com/rgbdrecon/rimage/transform"
	"go.viam.com/rgbdrecon/session"
	"go.viam.com/rgbdrecon/testutils"
)

type sliceFrames struct {
	records []*session.SyncedRecord
	err     error
	cur     *session.SyncedRecord
	pulled  int
}

func (sf *sliceFrames) Next() bool {
	if len(sf.records) == 0 {
		return false
	}
	sf.cur = sf.records[0]
	sf.records = sf.records[1:]
	sf.pulled++
	return true
}

func (sf *sliceFrames) Record() *session.SyncedRecord { return sf.cur }
func (sf *sliceFrames) Err() error                    { return sf.err }

type recordingSink struct {
	batches []*pointcloud.Batch
	frames  []int
	cameras []Camera
	failAt  int
	closed  bool
}

func (rs *recordingSink) AddBatch(ctx context.Context, rec *session.SyncedRecord, batch *pointcloud.Batch) error {
	if rs.failAt > 0 && len(rs.batches)+1 == rs.failAt {
		return errors.New("sink full")
	}
	rs.batches = append(rs.batches, batch)
	rs.frames = append(rs.frames, rec.FrameIndex)
	return nil
}

func (rs *recordingSink) AddCamera(ctx context.Context, cam Camera) error {
	rs.cameras = append(rs.cameras, cam)
	return nil
}

func (rs *recordingSink) Close() error {
	rs.closed = true
	return nil
}

func backProjector(t *testing.T) *transform.BackProjector {
	t.Helper()
	cam, err := transform.NewCameraMatrix(mat.NewDense(3, 3, []float64{1, 0, 1, 0, 1, 1, 0, 0, 1}))
	test.That(t, err, test.ShouldBeNil)
	bp, err := transform.NewBackProjector(cam, transform.DefaultConventions())
	test.That(t, err, test.ShouldBeNil)
	return bp
}

func makeRecords(t *testing.T, n int, depth float32) []*session.SyncedRecord {
	t.Helper()
	recs := make([]*session.SyncedRecord, n)
	for i := range recs {
		dm, err := rimage.NewDepthMapFromFloat32s(2, 2, testutils.ConstantDepth(2, 2, depth+float32(i)))
		test.That(t, err, test.ShouldBeNil)
		pose, err := transform.NewPoseFromStored(testutils.StoredTranslation(float64(10*i), 0, 0))
		test.That(t, err, test.ShouldBeNil)
		img := rimage.NewImage(2, 2)
		img.SetXY(1, 1, color.NRGBA{uint8(i), 1, 2, 255})
		recs[i] = &session.SyncedRecord{Index: i, FrameIndex: i * 2, Color: img, Depth: dm, Pose: pose}
	}
	return recs
}

func TestRunSerialAndPrefetchAgree(t *testing.T) {
	logger := logging.NewTestLogger(t)
	var results [][]*pointcloud.Batch
	for _, prefetch := range []bool{false, true} {
		frames := &sliceFrames{records: makeRecords(t, 5, 1)}
		sink := &recordingSink{}
		summary, err := Run(context.Background(), frames, backProjector(t), sink, Options{Prefetch: prefetch}, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, summary, test.ShouldResemble, Summary{Frames: 5, Points: 20})
		test.That(t, sink.frames, test.ShouldResemble, []int{0, 2, 4, 6, 8})
		test.That(t, len(sink.cameras), test.ShouldEqual, 5)
		test.That(t, sink.cameras[3].Center, test.ShouldResemble, r3.Vector{X: 30})
		test.That(t, sink.cameras[3].Intrinsics.Ppx, test.ShouldEqual, 1)
		test.That(t, sink.closed, test.ShouldBeFalse)
		results = append(results, sink.batches)
	}
	test.That(t, results[0], test.ShouldResemble, results[1])
	// frame 0 pixel (0,0) has depth 1 and reads color from the flipped row
	test.That(t, results[0][0].Points[0], test.ShouldResemble, r3.Vector{X: -1, Y: -1, Z: -1})
	test.That(t, results[0][0].Colors[1], test.ShouldResemble, color.NRGBA{0, 1, 2, 255})
}

func TestRunZeroDepth(t *testing.T) {
	recs := makeRecords(t, 2, 0)
	recs[1].Depth = rimage.NewEmptyDepthMap(2, 2)
	sink := &recordingSink{}
	summary, err := Run(context.Background(), &sliceFrames{records: recs}, backProjector(t), sink, Options{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary, test.ShouldResemble, Summary{Frames: 2, Points: 0, InvalidPixels: 8})
	test.That(t, len(sink.batches), test.ShouldEqual, 2)
	for _, b := range sink.batches {
		test.That(t, b.Len(), test.ShouldEqual, 0)
	}
}

func TestRunNilLogger(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cloud.pcd")
	sink, err := NewCloudSink(CloudConfig{Output: out}, nil)
	test.That(t, err, test.ShouldBeNil)
	for _, prefetch := range []bool{false, true} {
		frames := &sliceFrames{records: makeRecords(t, 2, 1)}
		summary, err := Run(context.Background(), frames, backProjector(t), sink, Options{Prefetch: prefetch}, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, summary.Frames, test.ShouldEqual, 2)
	}
	test.That(t, sink.Close(), test.ShouldBeNil)
	cloud, err := pointcloud.NewFromFile(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldEqual, 8)
}

func TestRunFilter(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dropAll := func(b *pointcloud.Batch) (*pointcloud.Batch, error) {
		return pointcloud.NewBatch(0), nil
	}
	sink := &recordingSink{}
	summary, err := Run(context.Background(), &sliceFrames{records: makeRecords(t, 3, 1)}, backProjector(t), sink,
		Options{Filter: dropAll}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Frames, test.ShouldEqual, 3)
	test.That(t, summary.Points, test.ShouldEqual, 0)

	failing := func(b *pointcloud.Batch) (*pointcloud.Batch, error) {
		return nil, errors.New("bad batch")
	}
	_, err = Run(context.Background(), &sliceFrames{records: makeRecords(t, 3, 1)}, backProjector(t), &recordingSink{},
		Options{Filter: failing}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bad batch")
}

func TestRunErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	for _, prefetch := range []bool{false, true} {
		sink := &recordingSink{failAt: 2}
		summary, err := Run(context.Background(), &sliceFrames{records: makeRecords(t, 4, 1)}, backProjector(t), sink,
			Options{Prefetch: prefetch}, logger)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, summary.Frames, test.ShouldEqual, 1)

		corrupt := errors.Wrap(depthstream.ErrStreamCorruption, "truncated")
		frames := &sliceFrames{records: makeRecords(t, 2, 1), err: corrupt}
		summary, err = Run(context.Background(), frames, backProjector(t), &recordingSink{}, Options{Prefetch: prefetch}, logger)
		test.That(t, errors.Is(err, depthstream.ErrStreamCorruption), test.ShouldBeTrue)
		test.That(t, summary.Frames, test.ShouldEqual, 2)
	}

	_, err := Run(context.Background(), nil, backProjector(t), &recordingSink{}, Options{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRunCanceled(t *testing.T) {
	logger := logging.NewTestLogger(t)
	for _, prefetch := range []bool{false, true} {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		frames := &sliceFrames{records: makeRecords(t, 3, 1)}
		sink := &recordingSink{}
		_, err := Run(ctx, frames, backProjector(t), sink, Options{Prefetch: prefetch}, logger)
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
		test.That(t, frames.pulled, test.ShouldEqual, 0)
		test.That(t, len(sink.batches), test.ShouldEqual, 0)
	}
}

func TestCloudSinkSession(t *testing.T) {
	logger := logging.NewTestLogger(t)
	colors := []color.NRGBA{{255, 0, 0, 255}, {0, 255, 0, 255}, {0, 0, 255, 255}}
	depths := [][]float32{
		testutils.ConstantDepth(2, 2, 1),
		testutils.ConstantDepth(2, 2, 2),
		testutils.ConstantDepth(2, 2, 3),
	}
	dir := testutils.WriteSession(t, testutils.SessionSpec{
		ColorWidth: 4, ColorHeight: 4, DepthWidth: 2, DepthHeight: 2,
		Intrinsic: testutils.StoredIntrinsic(2, 2, 2, 2),
		Depths:    depths,
		Colors:    colors,
		Poses: map[int][]float64{
			0: testutils.StoredTranslation(0, 0, 0),
			1: testutils.StoredTranslation(10, 0, 0),
			2: testutils.StoredTranslation(20, 0, 0),
		},
	})
	fs, err := session.Open(dir, session.Options{Stride: 1, FrameGlob: testutils.FrameGlob}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, fs.Close(), test.ShouldBeNil)
	}()
	bp, err := transform.NewBackProjector(fs.Metadata().Camera, transform.DefaultConventions())
	test.That(t, err, test.ShouldBeNil)

	out := filepath.Join(t.TempDir(), "cloud.pcd")
	camerasOut := filepath.Join(t.TempDir(), "cameras.pcd")
	sink, err := NewCloudSink(CloudConfig{Output: out, Format: FormatPCDAscii, CamerasOutput: camerasOut}, logger)
	test.That(t, err, test.ShouldBeNil)

	summary, err := Run(context.Background(), fs, bp, sink, Options{Prefetch: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Frames, test.ShouldEqual, 3)
	test.That(t, summary.Points, test.ShouldEqual, 48)
	test.That(t, sink.Cloud().Size(), test.ShouldEqual, 48)
	test.That(t, sink.Cameras().Size(), test.ShouldBeGreaterThan, 0)
	test.That(t, sink.Close(), test.ShouldBeNil)

	cloud, err := pointcloud.NewFromFile(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldEqual, 48)
	test.That(t, cloud.MetaData().HasColor, test.ShouldBeTrue)
	test.That(t, cloud.MetaData().MinZ, test.ShouldAlmostEqual, -3)
	test.That(t, cloud.MetaData().MaxX, test.ShouldBeGreaterThan, 19)

	cameras, err := pointcloud.NewFromFile(camerasOut)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cameras.Size(), test.ShouldEqual, sink.Cameras().Size())
}

func TestCloudSinkScaleAndFormats(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := NewCloudSink(CloudConfig{Format: "ply"}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	out := filepath.Join(t.TempDir(), "cloud.las")
	sink, err := NewCloudSink(CloudConfig{Output: out, Format: FormatLAS, UnitScale: 1000}, logger)
	test.That(t, err, test.ShouldBeNil)
	rec := makeRecords(t, 1, 1)[0]
	batch := pointcloud.NewBatch(1)
	batch.Append(r3.Vector{X: 0.001, Y: 0.002, Z: -0.5}, color.NRGBA{1, 2, 3, 255})
	test.That(t, sink.AddBatch(context.Background(), rec, batch), test.ShouldBeNil)
	_, ok := sink.Cloud().At(1, 2, -500)
	test.That(t, ok, test.ShouldBeTrue)
	// the batch handed in is not modified
	test.That(t, batch.Points[0].X, test.ShouldEqual, 0.001)
	test.That(t, sink.Close(), test.ShouldBeNil)
	info, err := os.Stat(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)

	memOnly, err := NewCloudSink(CloudConfig{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, memOnly.Close(), test.ShouldBeNil)

	bad, err := NewCloudSink(CloudConfig{Output: filepath.Join(t.TempDir(), "missing", "x.pcd")}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bad.Close(), test.ShouldNotBeNil)
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	ms := MultiSink{a, b}
	summary, err := Run(context.Background(), &sliceFrames{records: makeRecords(t, 2, 1)}, backProjector(t), ms,
		Options{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Frames, test.ShouldEqual, 2)
	test.That(t, len(a.batches), test.ShouldEqual, 2)
	test.That(t, len(b.cameras), test.ShouldEqual, 2)
	test.That(t, ms.Close(), test.ShouldBeNil)
	test.That(t, a.closed && b.closed, test.ShouldBeTrue)
}
