package archive

import (
	"bytes"
	"testing"
)

func blakeHash(b byte) Hash {
	algo, _ := LookupHash(1)
	bytes := make([]byte, algo.Length)
	for i := range bytes {
		bytes[i] = b
	}
	return Hash{Algo: algo, Bytes: bytes}
}

func TestArchiveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteEntry(Entry{
		Path:     "/a",
		Kind:     KindData,
		DataHash: blakeHash(0x11),
		Flags:    Executable,
	}); err != nil {
		t.Fatalf("WriteEntry data: %v", err)
	}
	if err := w.WriteEntry(Entry{
		Path:       "/b",
		Kind:       KindLink,
		LinkTarget: "../x",
	}); err != nil {
		t.Fatalf("WriteEntry link: %v", err)
	}
	if err := w.WriteEntry(Entry{Path: "/c", Kind: KindDir}); err != nil {
		t.Fatalf("WriteEntry dir: %v", err)
	}

	out := buf.Bytes()
	if !bytes.HasPrefix(out, Magic[:]) {
		t.Fatalf("output does not start with NCK00 magic: %x", out[:5])
	}

	r := NewReader(bytes.NewReader(out))
	var got []Entry
	for {
		ev, err := r.NextEvent()
		if err != nil {
			t.Fatalf("NextEvent: %v", err)
		}
		if ev.Kind == EventEOF {
			break
		}
		got = append(got, ev.Entry)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].Path != "/a" || got[0].Kind != KindData || got[0].Flags != Executable {
		t.Fatalf("entry 0 mismatch: %+v", got[0])
	}
	if got[1].Path != "/b" || got[1].Kind != KindLink || got[1].LinkTarget != "../x" {
		t.Fatalf("entry 1 mismatch: %+v", got[1])
	}
	if got[2].Path != "/c" || got[2].Kind != KindDir {
		t.Fatalf("entry 2 mismatch: %+v", got[2])
	}
}

func TestArchiveDataBlobRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	dw, err := w.WriteData()
	if err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	payload := bytes.Repeat([]byte{0x42}, 130000) // forces multiple chunks
	if err := dw.WriteChunk(payload); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	hash := blakeHash(0x99)
	if _, err := dw.Finish(hash); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r := NewReader(bytes.NewReader(buf.Bytes()))
	ev, err := r.NextEvent()
	if err != nil {
		t.Fatalf("NextEvent: %v", err)
	}
	if ev.Kind != EventData {
		t.Fatalf("expected EventData, got %v", ev.Kind)
	}
	if !bytes.Equal(ev.Data, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(ev.Data), len(payload))
	}
	if !bytes.Equal(ev.Hash.Bytes, hash.Bytes) {
		t.Fatalf("hash mismatch")
	}
}

func TestArchiveRejectsBadMagic(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("NOPE!more data here")))
	if _, err := r.NextEvent(); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestArchiveRejectsUnknownHashID(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.Write([]byte{recordEntry})
	buf.Write([]byte{0x00, 0x01, '/'})
	buf.Write([]byte{typeData, 0xFE}) // unknown hash id

	r := NewReader(bytes.NewReader(buf.Bytes()))
	if _, err := r.NextEvent(); err == nil {
		t.Fatalf("expected error for unknown hash id")
	}
}
