package archive

import (
	"encoding/binary"
	"io"
)

// Writer serializes entries and data blobs in NCK00 wire format to an
// underlying io.Writer.
type Writer struct {
	w       io.Writer
	wroteHdr bool
}

// NewWriter wraps w. The magic header is written lazily on first use so
// that constructing a Writer for an empty archive is cheap.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) ensureHeader() error {
	if w.wroteHdr {
		return nil
	}
	if _, err := w.w.Write(Magic[:]); err != nil {
		return err
	}
	w.wroteHdr = true
	return nil
}

// WriteEntry writes one ENTRY record.
func (w *Writer) WriteEntry(e Entry) error {
	if err := w.ensureHeader(); err != nil {
		return err
	}
	if _, err := w.w.Write([]byte{recordEntry}); err != nil {
		return err
	}
	if err := writeLengthPrefixed(w.w, []byte(e.Path)); err != nil {
		return err
	}

	switch e.Kind {
	case KindData:
		if _, err := w.w.Write([]byte{typeData, e.DataHash.Algo.ID}); err != nil {
			return err
		}
		if len(e.DataHash.Bytes) != e.DataHash.Algo.Length {
			return io.ErrShortWrite
		}
		if _, err := w.w.Write(e.DataHash.Bytes); err != nil {
			return err
		}
		return writeFlags(w.w, e.Flags)
	case KindLink:
		if _, err := w.w.Write([]byte{typeLink}); err != nil {
			return err
		}
		if err := writeLengthPrefixed(w.w, []byte(e.LinkTarget)); err != nil {
			return err
		}
		return writeFlags(w.w, e.Flags)
	case KindDir:
		_, err := w.w.Write([]byte{typeDir})
		return err
	default:
		return ErrUnknownEntryKind
	}
}

func writeFlags(w io.Writer, f Flags) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(f))
	_, err := w.Write(buf[:])
	return err
}

// DataWriter streams a single data-blob record (kind 0x01): a sequence of
// length-prefixed chunks terminated by a zero-length chunk, followed by
// the blob's tagged hash.
type DataWriter struct {
	w       *Writer
	started bool
}

// WriteData begins a new data-blob record.
func (w *Writer) WriteData() (*DataWriter, error) {
	if err := w.ensureHeader(); err != nil {
		return nil, err
	}
	if _, err := w.w.Write([]byte{recordData}); err != nil {
		return nil, err
	}
	return &DataWriter{w: w}, nil
}

// WriteChunk writes one chunk of at most MaxChunk bytes. Calling it with
// an empty slice is a no-op; use Finish to emit the terminator.
func (d *DataWriter) WriteChunk(chunk []byte) error {
	for len(chunk) > 0 {
		n := len(chunk)
		if n > MaxChunk {
			n = MaxChunk
		}
		if err := writeLengthPrefixed(d.w.w, chunk[:n]); err != nil {
			return err
		}
		chunk = chunk[n:]
	}
	d.started = true
	return nil
}

// Finish writes the zero-length terminator chunk followed by the blob's
// hash and returns control to the parent Writer.
func (d *DataWriter) Finish(hash Hash) (*Writer, error) {
	var zero [2]byte
	if _, err := d.w.w.Write(zero[:]); err != nil {
		return nil, err
	}
	if len(hash.Bytes) != hash.Algo.Length {
		return nil, io.ErrShortWrite
	}
	if _, err := d.w.w.Write([]byte{hash.Algo.ID}); err != nil {
		return nil, err
	}
	if _, err := d.w.w.Write(hash.Bytes); err != nil {
		return nil, err
	}
	return d.w, nil
}
