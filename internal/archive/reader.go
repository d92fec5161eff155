package archive

import (
	"encoding/binary"
	"errors"
	"io"
)

// Reader decodes a NCK00 archive stream into a sequence of Events.
type Reader struct {
	r       io.Reader
	gotHdr  bool
	invalid bool
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// EventKind distinguishes what NextEvent returned.
type EventKind int

const (
	// EventEOF indicates the stream is exhausted.
	EventEOF EventKind = iota
	// EventEntry carries a decoded Entry.
	EventEntry
	// EventData carries a decoded data blob's concatenated bytes and hash.
	EventData
)

// Event is one decoded unit from the archive stream.
type Event struct {
	Kind  EventKind
	Entry Entry

	// Valid when Kind == EventData.
	Data []byte
	Hash Hash
}

func (r *Reader) fail(err error) error {
	r.invalid = true
	return err
}

func (r *Reader) readHeaderOnce() error {
	if r.gotHdr {
		return nil
	}
	var hdr [5]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return r.fail(err)
	}
	if hdr != Magic {
		return r.fail(ErrBadMagic)
	}
	r.gotHdr = true
	return nil
}

// NextEvent decodes the next record from the stream.
func (r *Reader) NextEvent() (Event, error) {
	if r.invalid {
		return Event{}, errors.New("archive: reader is no longer valid after a decode error")
	}
	if err := r.readHeaderOnce(); err != nil {
		return Event{}, err
	}

	var tag [1]byte
	n, err := r.r.Read(tag[:])
	if err != nil {
		if err == io.EOF {
			return Event{Kind: EventEOF}, nil
		}
		return Event{}, r.fail(err)
	}
	if n == 0 {
		return Event{Kind: EventEOF}, nil
	}

	switch tag[0] {
	case recordData:
		return r.readData()
	case recordEntry:
		return r.readEntry()
	default:
		return Event{}, r.fail(ErrUnknownEntryKind)
	}
}

func (r *Reader) readData() (Event, error) {
	var data []byte
	for {
		chunkLen, err := r.readU16()
		if err != nil {
			return Event{}, r.fail(err)
		}
		if chunkLen == 0 {
			break
		}
		if chunkLen > MaxChunk {
			return Event{}, r.fail(ErrChunkTooLarge)
		}
		buf := make([]byte, chunkLen)
		if _, err := io.ReadFull(r.r, buf); err != nil {
			return Event{}, r.fail(err)
		}
		data = append(data, buf...)
	}

	hash, err := r.readHash()
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventData, Data: data, Hash: hash}, nil
}

func (r *Reader) readEntry() (Event, error) {
	path, err := r.readLengthPrefixed()
	if err != nil {
		return Event{}, r.fail(err)
	}

	var kindTag [1]byte
	if _, err := io.ReadFull(r.r, kindTag[:]); err != nil {
		return Event{}, r.fail(err)
	}

	e := Entry{Path: string(path)}
	switch kindTag[0] {
	case typeData:
		hash, err := r.readHash()
		if err != nil {
			return Event{}, err
		}
		flags, err := r.readU16()
		if err != nil {
			return Event{}, r.fail(err)
		}
		e.Kind = KindData
		e.DataHash = hash
		e.Flags = Flags(flags)
	case typeLink:
		target, err := r.readLengthPrefixed()
		if err != nil {
			return Event{}, r.fail(err)
		}
		flags, err := r.readU16()
		if err != nil {
			return Event{}, r.fail(err)
		}
		e.Kind = KindLink
		e.LinkTarget = string(target)
		e.Flags = Flags(flags)
	case typeDir:
		e.Kind = KindDir
	default:
		return Event{}, r.fail(ErrUnknownEntryKind)
	}
	return Event{Kind: EventEntry, Entry: e}, nil
}

func (r *Reader) readHash() (Hash, error) {
	var idBuf [1]byte
	if _, err := io.ReadFull(r.r, idBuf[:]); err != nil {
		return Hash{}, r.fail(err)
	}
	algo, err := LookupHash(idBuf[0])
	if err != nil {
		return Hash{}, r.fail(err)
	}
	buf := make([]byte, algo.Length)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return Hash{}, r.fail(err)
	}
	return Hash{Algo: algo, Bytes: buf}, nil
}

func (r *Reader) readU16() (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func (r *Reader) readLengthPrefixed() ([]byte, error) {
	n, err := r.readU16()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
