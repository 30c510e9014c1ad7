// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package security provides the optional pre-shared-key wrap of a control
// stream. The wrap is symmetric: both peers derive the same key from the PSK
// and the tunnel name, and each direction keeps its own nonce counter.
package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fortunnels/revtun/internal/support"
)

const nonceSize = chacha20poly1305.NonceSizeX

// maxSealedSize bounds a single sealed record. Control-stream writes are
// small (one frame per write), so anything larger indicates a corrupt or
// hostile peer.
const maxSealedSize = 1 << 20

// Wrap layers XChaCha20-Poly1305 over conn. The key is
// sha256(psk || tunnelName); record layout is [len(4)|nonce(24)|ct]. Each
// Write seals one record; Read returns record plaintext, carrying any
// remainder over to the next call.
func Wrap(conn io.ReadWriteCloser, psk, tunnelName string) (io.ReadWriteCloser, error) {
	h := sha256.New()
	h.Write([]byte(psk))
	h.Write([]byte(tunnelName))
	aead, err := chacha20poly1305.NewX(h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("psk wrap: %w", err)
	}
	var prefix [8]byte
	if _, err := rand.Read(prefix[:]); err != nil {
		return nil, fmt.Errorf("psk wrap: %w", err)
	}
	return &pskStream{base: conn, aead: aead, noncePrefix: prefix}, nil
}

type pskStream struct {
	base io.ReadWriteCloser
	aead cipher.AEAD

	// write side: random prefix + counter keeps nonces unique per direction
	// without coordination between the peers.
	noncePrefix [8]byte
	encCtr      uint64

	// read side: plaintext of the current record not yet handed out.
	rest []byte
}

func (s *pskStream) Read(p []byte) (int, error) {
	if len(s.rest) > 0 {
		n := copy(p, s.rest)
		s.rest = s.rest[n:]
		return n, nil
	}

	hdr := make([]byte, 4+nonceSize)
	if _, err := io.ReadFull(s.base, hdr); err != nil {
		return 0, err
	}
	l := binary.BigEndian.Uint32(hdr[:4])
	if l == 0 || l > maxSealedSize {
		return 0, fmt.Errorf("psk record length %d out of range", l)
	}
	ct := make([]byte, int(l))
	if _, err := io.ReadFull(s.base, ct); err != nil {
		return 0, err
	}
	pt, err := s.aead.Open(ct[:0], hdr[4:], ct, nil)
	if err != nil {
		return 0, fmt.Errorf("psk open: %w", err)
	}
	n := copy(p, pt)
	if n < len(pt) {
		s.rest = append(s.rest[:0], pt[n:]...)
	}
	return n, nil
}

func (s *pskStream) Write(p []byte) (int, error) {
	nonce := make([]byte, nonceSize)
	copy(nonce, s.noncePrefix[:])
	binary.BigEndian.PutUint64(nonce[nonceSize-8:], s.encCtr)
	s.encCtr++

	ct := s.aead.Seal(nil, nonce, p, nil)
	l, err := support.ToUint32Size(len(ct))
	if err != nil {
		return 0, err
	}
	rec := make([]byte, 0, 4+nonceSize+len(ct))
	rec = binary.BigEndian.AppendUint32(rec, l)
	rec = append(rec, nonce...)
	rec = append(rec, ct...)
	if _, err := s.base.Write(rec); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *pskStream) Close() error { return s.base.Close() }
