// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortunnels/revtun/internal/support"
)

func TestFrameRoundTrip(t *testing.T) {
	keys := []string{"a", "abc", "a-much-longer-key-than-any-payload-chunk"}
	sizes := []int{4, 5, 8, 100, 4095, 4096, 4097, 65536}

	for _, key := range keys {
		for _, size := range sizes {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i * 7)
			}

			var wire bytes.Buffer
			fw := NewFrameWriter(&wire, key)
			require.NoError(t, fw.WriteFrame(payload))

			fr := NewFrameReader(&wire, key)
			got, err := fr.ReadFrame(nil)
			require.NoError(t, err)
			require.Equal(t, payload, got, "key %q size %d", key, size)
		}
	}
}

func TestFrameObfuscation(t *testing.T) {
	payload := []byte("\x00\x00\x00\x0ahello wire")
	var wire bytes.Buffer
	fw := NewFrameWriter(&wire, "abc")
	require.NoError(t, fw.WriteFrame(payload))

	raw := wire.Bytes()
	require.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(raw[:4]), "length prefix is clear text")
	require.NotContains(t, string(raw[4:]), "hello", "payload must not appear in clear")
}

// chunkReader hands out the underlying bytes in fixed-size pieces to
// exercise reassembly across arbitrary read boundaries.
type chunkReader struct {
	data []byte
	n    int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.n
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestFrameReassemblyAcrossChunks(t *testing.T) {
	const key = "secret"
	payloads := [][]byte{
		[]byte("\x00\x00\x00\x0afirst"),
		[]byte("\x00\x00\x00\x0bsecond frame with a longer body"),
		bytes.Repeat([]byte("\x00\x00\x00\x0cx"), 1200),
		[]byte("\x00\x00\x00\x0dtail"),
	}

	var wire bytes.Buffer
	fw := NewFrameWriter(&wire, key)
	for _, p := range payloads {
		if err := fw.WriteFrame(p); err != nil {
			t.Fatalf("WriteFrame() error: %v", err)
		}
	}

	for _, chunk := range []int{1, 2, 3, 5, 7, 64, 4097} {
		fr := NewFrameReader(&chunkReader{data: wire.Bytes(), n: chunk}, key)
		for i, want := range payloads {
			got, err := fr.ReadFrame(nil)
			if err != nil {
				t.Fatalf("chunk %d frame %d: ReadFrame() error: %v", chunk, i, err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("chunk %d frame %d: payload mismatch", chunk, i)
			}
		}
	}
}

// errAfterFirstRead serves everything in one read, then fails. Decoding a
// second frame from the residue proves the decoder does not block on the
// socket when a full frame is already buffered.
type errAfterFirstRead struct {
	data []byte
	used bool
}

func (r *errAfterFirstRead) Read(p []byte) (int, error) {
	if r.used {
		return 0, errors.New("unexpected second read")
	}
	r.used = true
	return copy(p, r.data), nil
}

func TestFrameResidueDecodedWithoutRead(t *testing.T) {
	const key = "k"
	var wire bytes.Buffer
	fw := NewFrameWriter(&wire, key)
	require.NoError(t, fw.WriteFrame([]byte("\x00\x00\x00\x0aone")))
	require.NoError(t, fw.WriteFrame([]byte("\x00\x00\x00\x0atwo")))

	fr := NewFrameReader(&errAfterFirstRead{data: wire.Bytes()}, key)
	first, err := fr.ReadFrame(nil)
	require.NoError(t, err)
	require.Equal(t, []byte("\x00\x00\x00\x0aone"), first)

	second, err := fr.ReadFrame(nil)
	require.NoError(t, err)
	require.Equal(t, []byte("\x00\x00\x00\x0atwo"), second)
}

func TestFrameMalformed(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
	}{
		{"zero length prefix", []byte{0, 0, 0, 0}},
		{"length below id size", []byte{0, 0, 0, 3, 1, 2, 3}},
		{"length above cap", []byte{0xff, 0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := NewFrameReader(bytes.NewReader(tt.wire), "abc")
			_, err := fr.ReadFrame(nil)
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("ReadFrame() error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestFrameEOFIsConnectionReset(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader(nil), "abc")
	_, err := fr.ReadFrame(nil)
	if !errors.Is(err, support.ErrConnectionReset) {
		t.Fatalf("ReadFrame() error = %v, want ErrConnectionReset", err)
	}
}

func TestFrameWriterRejectsEmptyPayload(t *testing.T) {
	fw := NewFrameWriter(&bytes.Buffer{}, "abc")
	if err := fw.WriteFrame(nil); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("WriteFrame(nil) error = %v, want ErrMalformedFrame", err)
	}
}

// TestFrameWriterAtomicity runs several writers over one shared FrameWriter
// and verifies the peer decodes an interleaving of the per-writer sequences
// with no frame corrupted.
func TestFrameWriterAtomicity(t *testing.T) {
	const (
		key       = "interleave"
		writers   = 8
		perWriter = 50
	)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	fw := NewFrameWriter(a, key)

	type decoded struct {
		writer uint32
		seq    uint32
	}
	results := make(chan decoded, writers*perWriter)
	readErr := make(chan error, 1)
	go func() {
		fr := NewFrameReader(b, key)
		var scratch []byte
		for i := 0; i < writers*perWriter; i++ {
			payload, err := fr.ReadFrame(scratch[:0])
			if err != nil {
				readErr <- err
				return
			}
			scratch = payload
			if len(payload) != 8 {
				readErr <- errors.New("corrupt frame length")
				return
			}
			results <- decoded{
				writer: binary.BigEndian.Uint32(payload[:4]),
				seq:    binary.BigEndian.Uint32(payload[4:]),
			}
		}
		close(results)
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w uint32) {
			defer wg.Done()
			payload := make([]byte, 8)
			for seq := uint32(0); seq < perWriter; seq++ {
				binary.BigEndian.PutUint32(payload, FirstConnID+w)
				binary.BigEndian.PutUint32(payload[4:], seq)
				if err := fw.WriteFrame(payload); err != nil {
					t.Errorf("writer %d: WriteFrame() error: %v", w, err)
					return
				}
			}
		}(uint32(w))
	}
	wg.Wait()

	next := make(map[uint32]uint32)
	count := 0
	for {
		select {
		case err := <-readErr:
			t.Fatalf("reader error: %v", err)
		case d, ok := <-results:
			if !ok {
				if count != writers*perWriter {
					t.Fatalf("decoded %d frames, want %d", count, writers*perWriter)
				}
				return
			}
			if d.seq != next[d.writer] {
				t.Fatalf("writer %d: seq %d out of order, want %d", d.writer, d.seq, next[d.writer])
			}
			next[d.writer]++
			count++
		}
	}
}

func TestWriteCloseAndPingLayout(t *testing.T) {
	var wire bytes.Buffer
	fw := NewFrameWriter(&wire, "abc")
	require.NoError(t, fw.WriteClose(42))
	require.NoError(t, fw.WritePing())

	fr := NewFrameReader(bytes.NewReader(wire.Bytes()), "abc")

	payload, err := fr.ReadFrame(nil)
	require.NoError(t, err)
	require.Equal(t, CloseID, ParseID(payload))
	require.Equal(t, uint32(42), binary.BigEndian.Uint32(payload[4:8]))

	payload, err = fr.ReadFrame(nil)
	require.NoError(t, err)
	require.Equal(t, PingID, ParseID(payload))
	require.Equal(t, PingToken, payload[4:])
}
