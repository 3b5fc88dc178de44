package depthstream

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"go.viam.com/rgbdrecon/rimage"
)

// Writer appends depth frames to a container in the format Decoder reads.
type Writer struct {
	w     io.Writer
	level int
	buf   bytes.Buffer
}

// NewWriter returns a Writer using the default compression level.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, level: flate.DefaultCompression}
}

// WriteFrame compresses and appends one depth frame.
func (w *Writer) WriteFrame(dm *rimage.DepthMap) error {
	w.buf.Reset()
	fw, err := flate.NewWriter(&w.buf, w.level)
	if err != nil {
		return err
	}
	if _, err := fw.Write(dm.Bytes()); err != nil {
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}
	return w.WriteRecord(w.buf.Bytes())
}

// WriteRecord appends an already compressed payload with its length prefix.
func (w *Writer) WriteRecord(payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return errors.Errorf("record of %d bytes does not fit a 32-bit length prefix", len(payload))
	}
	var prefix [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.w.Write(payload)
	return err
}
