// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package tunnel implements both halves of the multiplexer: the server
// tunnel (public listener, child pumps, demultiplexer, keep-alive) and the
// client tunnel (demultiplexer, local dials, reconnect loop). The wire
// format lives in internal/protocol.
package tunnel

import (
	"net"
	"sync"
)

// childEntry is one child connection. conn is nil while the client-side
// dial is still in flight; frames that arrive in that window are buffered
// in order and flushed by Attach.
type childEntry struct {
	conn net.Conn
	buf  [][]byte
}

// childTable maps connection ids to child sockets. The lock is held only
// for map mutation and pre-connect buffering, never across a socket write.
type childTable struct {
	mu sync.Mutex
	m  map[uint32]*childEntry
}

func newChildTable() *childTable {
	return &childTable{m: make(map[uint32]*childEntry)}
}

// Put inserts an established child. Server side: the listener pump owns
// child creation.
func (t *childTable) Put(id uint32, conn net.Conn) {
	t.mu.Lock()
	t.m[id] = &childEntry{conn: conn}
	t.mu.Unlock()
}

// BeginDial inserts a pending child holding the first inbound payload.
// Client side: called synchronously by the demultiplexer before the dial
// goroutine is spawned, so a second frame for the same id can never trigger
// a second dial.
func (t *childTable) BeginDial(id uint32, first []byte) {
	e := &childEntry{}
	e.buf = append(e.buf, cloneBytes(first))
	t.mu.Lock()
	t.m[id] = e
	t.mu.Unlock()
}

// Attach completes a pending dial: it flushes buffered payloads to conn and
// marks the entry established. ok is false when the entry was removed while
// the dial was in flight (a CLOSE raced it); err reports a flush failure.
func (t *childTable) Attach(id uint32, conn net.Conn) (ok bool, err error) {
	for {
		t.mu.Lock()
		e, present := t.m[id]
		if !present {
			t.mu.Unlock()
			return false, nil
		}
		if len(e.buf) == 0 {
			e.conn = conn
			t.mu.Unlock()
			return true, nil
		}
		pending := e.buf
		e.buf = nil
		t.mu.Unlock()

		for _, b := range pending {
			if _, werr := conn.Write(b); werr != nil {
				return true, werr
			}
		}
	}
}

type writeStatus int

const (
	writeOK writeStatus = iota
	writeBuffered
	writeMiss
)

// WriteTo forwards data to the child's write half. On a pending entry the
// payload is buffered (copied; the caller reuses its frame buffer). Only
// the demultiplexer calls this, so per-child writes are never concurrent.
func (t *childTable) WriteTo(id uint32, data []byte) (writeStatus, error) {
	t.mu.Lock()
	e, present := t.m[id]
	if !present {
		t.mu.Unlock()
		return writeMiss, nil
	}
	if e.conn == nil {
		e.buf = append(e.buf, cloneBytes(data))
		t.mu.Unlock()
		return writeBuffered, nil
	}
	conn := e.conn
	t.mu.Unlock()

	_, err := conn.Write(data)
	return writeOK, err
}

// Remove deletes the entry and returns its socket, nil if the entry was
// absent or still dialing.
func (t *childTable) Remove(id uint32) net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, present := t.m[id]
	if !present {
		return nil
	}
	delete(t.m, id)
	return e.conn
}

// CloseAll force-closes every established child and drops the map. Used at
// tunnel teardown; pending dials find their entry gone via Attach.
func (t *childTable) CloseAll() {
	t.mu.Lock()
	m := t.m
	t.m = make(map[uint32]*childEntry)
	t.mu.Unlock()
	for _, e := range m {
		if e.conn != nil {
			e.conn.Close()
		}
	}
}

// Len reports the number of tracked children, pending included.
func (t *childTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

func cloneBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// shutdownWrite half-closes the child socket so the peer's read side sees
// EOF while in-flight reads on our side drain. Falls back to a full close
// for transports without half-close.
func shutdownWrite(conn net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		//nolint:errcheck // best-effort half-close
		_ = cw.CloseWrite()
		return
	}
	conn.Close()
}
