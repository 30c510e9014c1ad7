// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fortunnels/revtun/shared/wsconn"
)

// tunnelPath is the upgrade endpoint on the ws transport listener.
const tunnelPath = "/tunnel"

func dialWS(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	u := "ws://" + addr + tunnelPath
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return wsconn.New(conn), nil
}

type wsListener struct {
	ln        net.Listener
	srv       *http.Server
	conns     chan io.ReadWriteCloser
	done      chan struct{}
	closeOnce sync.Once
}

func listenWS(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen ws: %w", err)
	}
	l := &wsListener{
		ln:    ln,
		conns: make(chan io.ReadWriteCloser, 16),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(tunnelPath, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}
	go func() {
		//nolint:errcheck // Serve returns on Close; nothing to report
		_ = l.srv.Serve(ln)
	}()
	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.conns <- wsconn.New(conn):
	case <-l.done:
		conn.Close()
	}
}

func (l *wsListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }
