// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const alpnProtocol = "revtun-tunnel"

// The wire protocol authenticates in-band (auth blob + key-bound framing),
// so the QUIC layer runs on an ephemeral self-signed certificate and the
// client skips verification. ALPN still pins the protocol.
func dialQUIC(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	tlsConf := &tls.Config{
		//nolint:gosec // in-band auth; see above
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{alpnProtocol},
	}
	qconf := &quic.Config{
		MaxIdleTimeout:  90 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, qconf)
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &quicStream{conn: conn, str: str}, nil
}

type quicStream struct {
	conn *quic.Conn
	str  *quic.Stream
}

func (q *quicStream) Read(p []byte) (int, error)  { return q.str.Read(p) }
func (q *quicStream) Write(p []byte) (int, error) { return q.str.Write(p) }

func (q *quicStream) Close() error {
	_ = q.str.Close()
	return q.conn.CloseWithError(0, "")
}

type quicListener struct {
	ln        *quic.Listener
	conns     chan io.ReadWriteCloser
	done      chan struct{}
	closeOnce sync.Once
}

func listenQUIC(addr string) (Listener, error) {
	tlsConf, err := ephemeralTLSConfig()
	if err != nil {
		return nil, err
	}
	qconf := &quic.Config{MaxIdleTimeout: 90 * time.Second}
	ln, err := quic.ListenAddr(addr, tlsConf, qconf)
	if err != nil {
		return nil, fmt.Errorf("listen quic: %w", err)
	}
	l := &quicListener{
		ln:    ln,
		conns: make(chan io.ReadWriteCloser, 16),
		done:  make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// acceptLoop accepts QUIC connections and, per connection, the single
// control stream. The per-connection stream accept runs in its own
// goroutine so a client that never opens a stream cannot block others.
func (l *quicListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			return
		}
		go func(c *quic.Conn) {
			str, err := c.AcceptStream(context.Background())
			if err != nil {
				c.CloseWithError(0, "")
				return
			}
			select {
			case l.conns <- &quicStream{conn: c, str: str}:
			case <-l.done:
				c.CloseWithError(0, "")
			}
		}(conn)
	}
}

func (l *quicListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *quicListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func ephemeralTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "revtun"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{alpnProtocol},
	}, nil
}
