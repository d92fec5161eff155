package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	ca := NewConn(a, log.Fields{"side": "a"})
	cb := NewConn(b, log.Fields{"side": "b"})
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestFrameRoundTrip(t *testing.T) {
	ca, cb := pipeConns(t)

	type ping struct{ N int }
	type pong struct{ N int }

	go func() {
		tok, payload, err := cb.Next(context.Background())
		if err != nil {
			return
		}
		var p ping
		_ = json.Unmarshal(payload, &p)
		_ = Respond(cb, tok, pong{N: p.N + 1})
	}()

	out, err := Request[ping, pong](context.Background(), ca, ping{N: 41})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if out.N != 42 {
		t.Fatalf("expected 42, got %d", out.N)
	}
}

func TestOutOfOrderResponsesMatchCallers(t *testing.T) {
	ca, cb := pipeConns(t)

	type req struct{ N int }
	type resp struct{ N int }

	go func() {
		// Answer the second request first, to prove responses can arrive
		// out of order while still routing to the correct caller.
		tok1, p1, _ := cb.Next(context.Background())
		tok2, p2, _ := cb.Next(context.Background())

		var r1, r2 req
		_ = json.Unmarshal(p1, &r1)
		_ = json.Unmarshal(p2, &r2)

		_ = Respond(cb, tok2, resp{N: r2.N})
		time.Sleep(10 * time.Millisecond)
		_ = Respond(cb, tok1, resp{N: r1.N})
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	var out1, out2 resp
	var err1, err2 error
	go func() {
		defer wg.Done()
		out1, err1 = Request[req, resp](context.Background(), ca, req{N: 1})
	}()
	go func() {
		defer wg.Done()
		out2, err2 = Request[req, resp](context.Background(), ca, req{N: 2})
	}()
	wg.Wait()

	if err1 != nil || err2 != nil {
		t.Fatalf("errors: %v %v", err1, err2)
	}
	if out1.N != 1 || out2.N != 2 {
		t.Fatalf("responses routed incorrectly: out1=%+v out2=%+v", out1, out2)
	}
}

func TestStreamOrderingAndEnd(t *testing.T) {
	ca, cb := pipeConns(t)

	const streamID = uint32(7)
	recv := cb.ReadStream(streamID)
	sender := ca.WriteStream(streamID)

	go func() {
		for i := 0; i < 5; i++ {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(i))
			if err := sender.Send(buf); err != nil {
				return
			}
		}
		sender.Close()
	}()

	var got []uint32
	for buf := range recv.Chan() {
		got = append(got, binary.LittleEndian.Uint32(buf))
	}
	if recv.Err() != nil {
		t.Fatalf("unexpected stream error: %v", recv.Err())
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 buffers, got %d", len(got))
	}
	for i, v := range got {
		if v != uint32(i) {
			t.Fatalf("out-of-order delivery: got %v", got)
		}
	}
}

func TestCRCTamperAbortsConnection(t *testing.T) {
	a, b := net.Pipe()
	ca := NewConn(a, log.Fields{"side": "a"})
	cb := NewConn(b, log.Fields{"side": "b"})
	defer ca.Close()

	type req struct{ N int }
	type resp struct{ N int }

	errCh := make(chan error, 1)
	go func() {
		_, err := Request[req, resp](context.Background(), ca, req{N: 1})
		errCh <- err
	}()

	// Act as a malicious peer: read the frame cb's reader loop would have
	// seen, tamper a bit, and feed it back in on a fresh raw pipe so we
	// control bytes precisely.
	buf, err := encodeFrame(nil, frameRequest, 99, []byte(`{"N":1}`))
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	buf[len(buf)-1] ^= 0xFF // flip a payload bit

	raw, peer := net.Pipe()
	victim := NewConn(raw, log.Fields{"side": "victim"})
	go func() {
		peer.Write(buf)
	}()

	select {
	case tok := <-waitNext(victim):
		_ = tok
		t.Fatalf("expected no successful frame delivery after tamper")
	case <-time.After(200 * time.Millisecond):
	}
	if victim.Err() == nil {
		t.Fatalf("expected connection to be aborted after CRC mismatch")
	}
	if !errors.Is(victim.Err(), ErrCRCMismatch) {
		t.Fatalf("expected ErrCRCMismatch, got %v", victim.Err())
	}

	cb.Close()
	<-errCh
}

func waitNext(c *Conn) <-chan Token {
	ch := make(chan Token, 1)
	go func() {
		tok, _, err := c.Next(context.Background())
		if err == nil {
			ch <- tok
		}
	}()
	return ch
}
