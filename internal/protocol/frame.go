// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package protocol implements the revtun wire format: length-prefixed frames
// whose payload is obfuscated with a repeating-key XOR, tagged with a
// connection id in the first four payload bytes. The codec never interprets
// payload content beyond the id; multiplexing semantics live in the tunnel
// package.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fortunnels/revtun/internal/support"
)

// Reserved connection ids. Child ids are assigned by the server starting at
// FirstConnID and never recycle within a tunnel's lifetime.
const (
	PingID      uint32 = 0
	CloseID     uint32 = 1
	FirstConnID uint32 = 10
)

const (
	headerSize = 4
	idSize     = 4

	// readChunk matches the per-read buffer of the child pumps.
	readChunk = 4096

	// maxFrameSize caps the announced payload length. A peer without the
	// right key decodes garbage headers; the cap turns that into a frame
	// error instead of an unbounded allocation.
	maxFrameSize = 16 << 20
)

// PingToken is the liveness payload carried by PING frames.
var PingToken = []byte("PING")

// ErrMalformedFrame reports a wire-level framing violation: a zero length
// prefix, a payload too short to carry an id, or a length above the cap.
var ErrMalformedFrame = errors.New("malformed frame")

// xorKey applies the repeating key over src into dst, starting at key
// offset 0. dst and src may alias.
func xorKey(dst, src, key []byte) {
	if len(key) == 0 {
		copy(dst, src)
		return
	}
	for i, b := range src {
		dst[i] = b ^ key[i%len(key)]
	}
}

// appendXOR appends XOR(src, key) to dst and returns the extended slice.
func appendXOR(dst, src, key []byte) []byte {
	off := len(dst)
	dst = append(dst, src...)
	xorKey(dst[off:], src, key)
	return dst
}

// FrameWriter encodes payloads onto a shared control stream. It is the one
// write path for a tunnel: the keep-alive emitter and every child pump go
// through the same instance, and the internal mutex is held across the full
// header+payload write so frames never interleave at the byte level.
type FrameWriter struct {
	mu  sync.Mutex
	w   io.Writer
	key []byte
	buf []byte // reused wire buffer: header + obfuscated payload
}

// NewFrameWriter wraps w with the tunnel key.
func NewFrameWriter(w io.Writer, key string) *FrameWriter {
	return &FrameWriter{
		w:   w,
		key: []byte(key),
		buf: make([]byte, 0, headerSize+idSize+readChunk),
	}
}

// WriteFrame obfuscates payload and writes the length prefix plus cipher
// bytes as one locked operation. The length prefix is clear text; the XOR
// keystream restarts at key offset 0 for every frame.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return ErrMalformedFrame
	}
	l, err := support.ToUint32Size(len(payload))
	if err != nil {
		return fmt.Errorf("frame payload: %w", err)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.buf = fw.buf[:headerSize]
	binary.BigEndian.PutUint32(fw.buf, l)
	fw.buf = appendXOR(fw.buf, payload, fw.key)
	if _, err := fw.w.Write(fw.buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteData sends a data frame for the given child connection.
func (fw *FrameWriter) WriteData(id uint32, data []byte) error {
	payload := make([]byte, idSize, idSize+len(data))
	binary.BigEndian.PutUint32(payload, id)
	payload = append(payload, data...)
	return fw.WriteFrame(payload)
}

// WriteClose signals that target should be shut down at the peer.
func (fw *FrameWriter) WriteClose(target uint32) error {
	payload := make([]byte, idSize*2)
	binary.BigEndian.PutUint32(payload, CloseID)
	binary.BigEndian.PutUint32(payload[idSize:], target)
	return fw.WriteFrame(payload)
}

// WritePing emits the keep-alive frame.
func (fw *FrameWriter) WritePing() error {
	payload := make([]byte, idSize, idSize+len(PingToken))
	binary.BigEndian.PutUint32(payload, PingID)
	payload = append(payload, PingToken...)
	return fw.WriteFrame(payload)
}

// FrameReader decodes frames from a control stream. It keeps a rolling
// buffer across calls so a single socket read can yield several frames and a
// frame split across reads is reassembled transparently.
type FrameReader struct {
	r        io.Reader
	key      []byte
	chunk    []byte
	cache    []byte // undecoded wire bytes carried between calls
	dataLen  int    // payload length of the frame being assembled, 0 = header pending
	needRead bool
}

// NewFrameReader wraps r with the tunnel key.
func NewFrameReader(r io.Reader, key string) *FrameReader {
	return &FrameReader{
		r:        r,
		key:      []byte(key),
		chunk:    make([]byte, readChunk),
		needRead: true,
	}
}

// ReadFrame appends exactly one decoded payload to out and returns the
// extended slice. Callers pass a cleared buffer (out[:0]) and parse the id
// from the first four bytes themselves.
//
// A zero length prefix, a payload shorter than an id, or a length above the
// cap fails with ErrMalformedFrame. An orderly EOF fails with
// support.ErrConnectionReset; any other read error is returned wrapped.
func (fr *FrameReader) ReadFrame(out []byte) ([]byte, error) {
	for {
		if fr.needRead {
			n, err := fr.r.Read(fr.chunk)
			if n > 0 {
				fr.cache = append(fr.cache, fr.chunk[:n]...)
			} else if err != nil {
				if err == io.EOF {
					return out, support.ErrConnectionReset
				}
				return out, fmt.Errorf("read frame: %w", err)
			} else {
				continue
			}
		}

		if fr.dataLen == 0 {
			if len(fr.cache) < headerSize {
				fr.needRead = true
				continue
			}
			l := binary.BigEndian.Uint32(fr.cache[:headerSize])
			if l < idSize || l > maxFrameSize {
				return out, fmt.Errorf("%w: payload length %d", ErrMalformedFrame, l)
			}
			fr.dataLen = int(l)
		}

		total := headerSize + fr.dataLen
		if len(fr.cache) < total {
			fr.needRead = true
			continue
		}

		out = appendXOR(out, fr.cache[headerSize:total], fr.key)

		// Shift the residue to the front; it is the prefix of the next frame.
		n := copy(fr.cache, fr.cache[total:])
		fr.cache = fr.cache[:n]
		fr.dataLen = 0

		// Only hit the socket again if the residue cannot already yield a
		// complete frame.
		if len(fr.cache) >= headerSize {
			next := binary.BigEndian.Uint32(fr.cache[:headerSize])
			fr.needRead = len(fr.cache) < headerSize+int(next)
		} else {
			fr.needRead = true
		}
		return out, nil
	}
}

// ParseID extracts the connection id from a decoded payload.
func ParseID(payload []byte) uint32 {
	return binary.BigEndian.Uint32(payload[:idSize])
}
