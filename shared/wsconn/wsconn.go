// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package wsconn adapts a *websocket.Conn to an io.ReadWriteCloser so a
// WebSocket can carry an arbitrary byte stream. Only binary frames are used;
// non-binary messages are skipped.
package wsconn

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// MaxMessageSize caps a single WebSocket message to keep a misbehaving peer
// from forcing large allocations.
const MaxMessageSize = 1024 * 1024

// WSConn presents the byte stream carried by a WebSocket connection. Reads
// drain binary messages in order; each Write emits one binary message.
type WSConn struct {
	conn       *websocket.Conn
	readMu     sync.Mutex
	writeMu    sync.Mutex
	currReader io.Reader
}

// New constructs a WSConn adapter for the provided *websocket.Conn.
func New(c *websocket.Conn) *WSConn {
	c.SetReadLimit(MaxMessageSize)
	return &WSConn{conn: c}
}

func (w *WSConn) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	for {
		if w.currReader == nil {
			mt, r, err := w.conn.NextReader()
			if err != nil {
				if isConnClosed(err) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				//nolint:errcheck // best-effort discard of a non-binary frame
				_, _ = io.CopyN(io.Discard, r, MaxMessageSize)
				continue
			}
			w.currReader = r
		}
		n, err := w.currReader.Read(p)
		if err == io.EOF {
			w.currReader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil && isConnClosed(err) {
			return n, io.EOF
		}
		return n, err
	}
}

func (w *WSConn) Write(p []byte) (int, error) {
	if len(p) > MaxMessageSize {
		return 0, errors.New("message size exceeds maximum allowed")
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	writer, err := w.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return 0, err
	}
	n, werr := writer.Write(p)
	cerr := writer.Close()
	if werr != nil {
		return n, werr
	}
	return n, cerr
}

// Close sends a normal close control frame and then closes the underlying
// socket.
func (w *WSConn) Close() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	closePayload := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	writeErr := w.conn.WriteMessage(websocket.CloseMessage, closePayload)
	closeErr := w.conn.Close()
	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return writeErr
	}
	return closeErr
}

func isConnClosed(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "websocket: close") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
