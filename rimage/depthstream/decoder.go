// Package depthstream reads and writes depth containers: a sequence of records, each a
// little-endian uint32 length followed by that many bytes of raw deflate data that inflate to one
// row-major float32 depth frame.
package depthstream

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rgbdrecon/logging"
	"go.viam.com/rgbdrecon/rimage"
)

// ErrStreamCorruption is returned when the container ends in the middle of a record or a payload
// does not inflate to exactly one frame. A corrupted container cannot be resynchronized.
var ErrStreamCorruption = errors.New("depth stream corruption")

const lengthPrefixSize = 4

// Inflater opens a decompressing reader over one compressed payload.
type Inflater func(r io.Reader) io.ReadCloser

// RawInflater inflates headerless (raw) deflate data.
func RawInflater(r io.Reader) io.ReadCloser {
	return flate.NewReader(r)
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithStride makes the decoder return every stride-th frame of the container, starting with the
// first. Frames in between are seeked over without being inflated.
func WithStride(stride int) Option {
	return func(d *Decoder) {
		d.stride = stride
	}
}

// WithInflater replaces the payload decompressor.
func WithInflater(inflate Inflater) Option {
	return func(d *Decoder) {
		d.inflate = inflate
	}
}

// WithLogger sets the logger used for per-frame debug output.
func WithLogger(logger logging.Logger) Option {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// Decoder is a forward-only reader over a depth container. It owns the read cursor of the
// underlying stream; nothing else may read from or seek that stream while the decoder is in use.
type Decoder struct {
	r      io.ReadSeeker
	closer io.Closer

	width, height int
	stride        int
	inflate       Inflater
	logger        logging.Logger

	size int64
	pos  int64

	// index of the next container record
	record  int
	emitted int
	err     error

	lenBuf [lengthPrefixSize]byte
}

// NewDecoder returns a decoder reading width x height frames from r, starting at r's current
// offset. The decoder does not close r.
func NewDecoder(r io.ReadSeeker, width, height int, opts ...Option) (*Decoder, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("bad depth frame size %dx%d", width, height)
	}
	d := &Decoder{
		r:       r,
		width:   width,
		height:  height,
		stride:  1,
		inflate: RawInflater,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.stride < 1 {
		return nil, errors.Errorf("stride must be at least 1, got %d", d.stride)
	}
	if d.logger == nil {
		d.logger = logging.NewBlankLogger("depthstream")
	}

	var err error
	if d.pos, err = r.Seek(0, io.SeekCurrent); err != nil {
		return nil, errors.Wrap(err, "cannot determine depth container offset")
	}
	if d.size, err = r.Seek(0, io.SeekEnd); err != nil {
		return nil, errors.Wrap(err, "cannot determine depth container size")
	}
	if _, err = r.Seek(d.pos, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "cannot rewind depth container")
	}
	return d, nil
}

// Open opens the depth container at path. Closing the decoder closes the file.
func Open(path string, width, height int, opts ...Option) (*Decoder, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open depth container")
	}
	d, err := NewDecoder(f, width, height, opts...)
	if err != nil {
		return nil, multierr.Combine(err, f.Close())
	}
	d.closer = f
	return d, nil
}

// Next returns the next emitted frame. It returns io.EOF once the container is cleanly exhausted
// and an error wrapping ErrStreamCorruption if the container is truncated or malformed. Both
// conditions are sticky.
func (d *Decoder) Next() (*rimage.DepthMap, error) {
	if d.err != nil {
		return nil, d.err
	}
	dm, err := d.next()
	if err != nil {
		d.err = err
		return nil, err
	}
	return dm, nil
}

func (d *Decoder) next() (*rimage.DepthMap, error) {
	for {
		length, err := d.readLength()
		if err != nil {
			return nil, err
		}
		record := d.record
		d.record++

		if record%d.stride != 0 {
			if err := d.skip(length); err != nil {
				return nil, errors.Wrapf(err, "record %d", record)
			}
			continue
		}

		dm, err := d.decode(length)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", record)
		}
		d.emitted++
		d.logger.Debugw("decoded depth frame", "record", record, "compressed_bytes", length)
		return dm, nil
	}
}

func (d *Decoder) readLength() (int64, error) {
	n, err := io.ReadFull(d.r, d.lenBuf[:])
	d.pos += int64(n)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && n == 0:
		return 0, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return 0, errors.Wrapf(ErrStreamCorruption, "record %d: length prefix truncated after %d bytes", d.record, n)
	default:
		return 0, errors.Wrap(err, "cannot read length prefix")
	}
	return int64(binary.LittleEndian.Uint32(d.lenBuf[:])), nil
}

func (d *Decoder) checkRemaining(length int64) error {
	if remaining := d.size - d.pos; length > remaining {
		return errors.Wrapf(ErrStreamCorruption, "record declares %d bytes but only %d remain", length, remaining)
	}
	return nil
}

func (d *Decoder) skip(length int64) error {
	if err := d.checkRemaining(length); err != nil {
		return err
	}
	pos, err := d.r.Seek(length, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "cannot seek past skipped record")
	}
	d.pos = pos
	return nil
}

func (d *Decoder) decode(length int64) (*rimage.DepthMap, error) {
	if err := d.checkRemaining(length); err != nil {
		return nil, err
	}
	compressed := make([]byte, length)
	n, err := io.ReadFull(d.r, compressed)
	d.pos += int64(n)
	if err != nil {
		return nil, errors.Wrapf(ErrStreamCorruption, "payload truncated after %d of %d bytes: %v", n, length, err)
	}

	rc := d.inflate(bytes.NewReader(compressed))
	defer func() {
		//nolint:errcheck
		rc.Close()
	}()
	raw := make([]byte, d.width*d.height*4)
	if _, err := io.ReadFull(rc, raw); err != nil {
		return nil, errors.Wrapf(ErrStreamCorruption, "cannot inflate %dx%d frame: %v", d.width, d.height, err)
	}
	// the deflate stream must end exactly here, with its final block
	var extra [1]byte
	switch n, err := io.ReadFull(rc, extra[:]); {
	case n > 0:
		return nil, errors.Wrapf(ErrStreamCorruption, "payload inflates to more than %d bytes", len(raw))
	case !errors.Is(err, io.EOF):
		return nil, errors.Wrapf(ErrStreamCorruption, "unterminated deflate stream: %v", err)
	}
	return rimage.DepthMapFromBytes(d.width, d.height, raw)
}

// Records returns the number of container records consumed so far, emitted or skipped.
func (d *Decoder) Records() int {
	return d.record
}

// Emitted returns the number of frames returned by Next so far.
func (d *Decoder) Emitted() int {
	return d.emitted
}

// Close releases the container if the decoder opened it. Further calls to Next fail.
func (d *Decoder) Close() error {
	if d.err == nil {
		d.err = errors.New("depth decoder closed")
	}
	if d.closer == nil {
		return nil
	}
	closer := d.closer
	d.closer = nil
	return closer.Close()
}
