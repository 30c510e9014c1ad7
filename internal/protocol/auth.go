// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package protocol

import (
	"fmt"

	"github.com/fortunnels/revtun/internal/support"
)

// MaxAuthSize bounds the one-shot auth blob: one length byte, up to 255
// bytes of tunnel name, and the obfuscated listen address. The server reads
// at most this much before deciding.
const MaxAuthSize = 1024

// EncodeAuth builds the client's auth blob:
//
//	[name_len] [name bytes] [XOR(remote_addr, key)]
//
// It is written raw on a freshly opened control connection, before framing
// starts.
func EncodeAuth(name, remoteAddr, key string) ([]byte, error) {
	if name == "" {
		return nil, support.NewAuthError("empty tunnel name", nil)
	}
	if len(name) > 255 {
		return nil, support.NewAuthError("tunnel name exceeds 255 bytes", nil)
	}
	if len(name)+1+len(remoteAddr) > MaxAuthSize {
		return nil, support.NewAuthError("auth blob exceeds size limit", nil)
	}
	blob := make([]byte, 0, 1+len(name)+len(remoteAddr))
	blob = append(blob, byte(len(name)))
	blob = append(blob, name...)
	blob = appendXOR(blob, []byte(remoteAddr), []byte(key))
	return blob, nil
}

// AuthRequest is the server-side result of a parsed auth blob.
type AuthRequest struct {
	Name       string
	ListenAddr string
}

// ParseAuth validates a raw auth blob against the configured tunnel table.
// lookup maps a tunnel name to its key. The decoded remainder must parse as
// host:port; the server's subsequent bind is the final, implicit check that
// the client held the right key.
func ParseAuth(blob []byte, lookup func(name string) (key string, ok bool)) (AuthRequest, error) {
	if len(blob) < 2 {
		return AuthRequest{}, support.NewAuthError("short auth blob", nil)
	}
	nameLen := int(blob[0])
	if nameLen == 0 {
		return AuthRequest{}, support.NewAuthError("empty tunnel name", nil)
	}
	if nameLen+1 > len(blob) {
		return AuthRequest{}, support.NewAuthError("name length exceeds blob", nil)
	}
	name := string(blob[1 : 1+nameLen])

	key, ok := lookup(name)
	if !ok {
		return AuthRequest{}, support.NewAuthError(fmt.Sprintf("unknown tunnel %q", name), nil)
	}

	enc := blob[1+nameLen:]
	addr := make([]byte, len(enc))
	xorKey(addr, enc, []byte(key))
	listenAddr := string(addr)
	if !support.LooksLikeHostPort(listenAddr) {
		return AuthRequest{}, support.NewAuthError(fmt.Sprintf("tunnel %q: undecodable listen address", name), nil)
	}
	return AuthRequest{Name: name, ListenAddr: listenAddr}, nil
}
