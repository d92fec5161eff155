// Package archive implements the wire format consumed by the
// content-addressed file store (SPEC_FULL.md §3 "Archive wire format").
// The hashing primitive itself is an external collaborator — this
// package only validates that a hash id's declared length matches the
// bytes actually present, it never computes a digest.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the fixed 5-byte header every archive stream begins with.
var Magic = [5]byte{'N', 'C', 'K', '0', '0'}

// Entry kind tags.
const (
	recordData  = 0x01
	recordEntry = 0x02
)

// Entry target type tags.
const (
	typeData = 0x01
	typeLink = 0x02
	typeDir  = 0x03
)

// MaxChunk is the largest permissible chunk within a data-blob record.
const MaxChunk = 65535

// Flags are per-entry bit flags.
type Flags uint16

// Executable marks a DATA entry as executable.
const Executable Flags = 0x0001

// HashAlgo describes one supported content hash algorithm by its wire id.
type HashAlgo struct {
	ID     byte
	Length int
	Name   string
}

// knownHashes is the closed set of hash algorithms the archive format
// recognizes. Hash computation itself lives outside this package (the
// hashing primitive is an external collaborator per SPEC_FULL.md §1);
// this table only tells the reader how many bytes to expect and lets it
// reject a mismatched id/length pair.
var knownHashes = map[byte]HashAlgo{
	1: {ID: 1, Length: 32, Name: "blake3"},
}

// LookupHash returns the algorithm descriptor for id, or an error if id
// is not recognized.
func LookupHash(id byte) (HashAlgo, error) {
	h, ok := knownHashes[id]
	if !ok {
		return HashAlgo{}, fmt.Errorf("archive: unknown hash id %d", id)
	}
	return h, nil
}

// Hash is a tagged, already-computed content digest.
type Hash struct {
	Algo  HashAlgo
	Bytes []byte
}

// EntryKind distinguishes the three things a path can name in an archive.
type EntryKind int

const (
	KindData EntryKind = iota
	KindLink
	KindDir
)

// Entry is one decoded archive record of kind ENTRY (0x02).
type Entry struct {
	Path string
	Kind EntryKind

	// Set when Kind == KindData.
	DataHash Hash
	// Set when Kind == KindLink.
	LinkTarget string
	// Valid for KindData and KindLink.
	Flags Flags
}

var (
	// ErrBadMagic is returned when a stream does not begin with Magic.
	ErrBadMagic = errors.New("archive: missing NCK00 magic")
	// ErrChunkTooLarge is returned when a data-blob chunk exceeds MaxChunk.
	ErrChunkTooLarge = errors.New("archive: chunk exceeds maximum size")
	// ErrUnknownEntryKind is returned for any entry type tag other than
	// DATA, LINK, or DIR.
	ErrUnknownEntryKind = errors.New("archive: unknown entry kind")
)

func writeLengthPrefixed(w io.Writer, b []byte) error {
	if len(b) > 0xFFFF {
		return fmt.Errorf("archive: value of length %d exceeds u16 prefix", len(b))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}
