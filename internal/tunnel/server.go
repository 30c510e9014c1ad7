// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package tunnel

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/fortunnels/revtun/internal/config"
	"github.com/fortunnels/revtun/internal/protocol"
	"github.com/fortunnels/revtun/internal/security"
	"github.com/fortunnels/revtun/internal/support"
)

const (
	defaultPingInterval = 20 * time.Second

	// throttleWindow is the accept_rate counting window. It starts at a
	// source IP's first counted accept; later accepts do not extend it.
	throttleWindow = 30 * time.Second
)

// ServerOptions tunes per-tunnel behavior on the server.
type ServerOptions struct {
	// PingInterval overrides the keep-alive period; zero means 20s.
	PingInterval time.Duration
	// AcceptRate caps accepted external connections per source IP within
	// the throttle window; zero disables throttling.
	AcceptRate int
	// OnListen, when set, is invoked once the tunnel's public listener is
	// bound. Used by operational tooling and tests to learn the address
	// when the client requested port 0.
	OnListen func(tunnel string, addr net.Addr)
}

// ServeControl authenticates one control connection and runs its tunnel
// until the control stream fails or the keep-alive write does. It blocks
// for the lifetime of the tunnel and always closes control before
// returning.
func ServeControl(logger *zap.Logger, control io.ReadWriteCloser, tunnels map[string]config.ServerTunnel, opts ServerOptions) {
	defer control.Close()

	// Auth is the first chunk on the raw stream, before framing starts.
	buf := make([]byte, protocol.MaxAuthSize)
	n, err := control.Read(buf)
	if err != nil || n == 0 {
		logger.Error("control connection closed before auth", zap.Error(err))
		return
	}
	req, err := protocol.ParseAuth(buf[:n], func(name string) (string, bool) {
		t, ok := tunnels[name]
		return t.Key, ok
	})
	if err != nil {
		logger.Error("control connection rejected", zap.Error(err))
		return
	}
	tcfg := tunnels[req.Name]
	log := logger.With(zap.String("tunnel", req.Name))
	log.Info("authentication succeeded")

	stream := control
	if tcfg.PSK != "" {
		stream, err = security.Wrap(control, tcfg.PSK, req.Name)
		if err != nil {
			log.Error("psk wrap failed", zap.Error(err))
			return
		}
	}

	ln, err := net.Listen("tcp", req.ListenAddr)
	if err != nil {
		log.Error("listen failed", zap.String("addr", req.ListenAddr),
			zap.Error(support.NewAuthError("bind failed", err)))
		return
	}
	log.Info("service listening", zap.String("addr", ln.Addr().String()))
	if opts.OnListen != nil {
		opts.OnListen(req.Name, ln.Addr())
	}

	t := &serverTunnel{
		log:      log,
		control:  control,
		ln:       ln,
		fw:       protocol.NewFrameWriter(stream, tcfg.Key),
		fr:       protocol.NewFrameReader(stream, tcfg.Key),
		children: newChildTable(),
		opts:     opts,
		done:     make(chan struct{}),
	}
	if opts.AcceptRate > 0 {
		t.ipCache = cache.New(throttleWindow, time.Minute)
	}
	t.run()
}

// serverTunnel holds the per-tunnel workers' shared state.
type serverTunnel struct {
	log      *zap.Logger
	control  io.Closer
	ln       net.Listener
	fw       *protocol.FrameWriter
	fr       *protocol.FrameReader
	children *childTable
	opts     ServerOptions
	ipCache  *cache.Cache

	done     chan struct{}
	downOnce sync.Once
}

// teardown aborts all workers: no more accepts, all child pumps cut, the
// control stream closed. Safe to call from any worker, any number of times.
func (t *serverTunnel) teardown() {
	t.downOnce.Do(func() {
		close(t.done)
		t.ln.Close()
		t.control.Close()
		t.children.CloseAll()
	})
}

func (t *serverTunnel) run() {
	defer t.teardown()

	go t.acceptLoop()
	go t.demuxLoop()

	interval := t.opts.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			t.log.Info("tunnel closed")
			return
		case <-ticker.C:
			if err := t.fw.WritePing(); err != nil {
				t.log.Error("keep-alive write failed, closing tunnel", zap.Error(err))
				return
			}
			t.log.Debug("ping sent")
		}
	}
}

// acceptLoop accepts external connections, assigns monotonically increasing
// ids from the non-reserved range, and spawns one read pump per child.
func (t *serverTunnel) acceptLoop() {
	nextID := protocol.FirstConnID
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		if t.throttled(conn) {
			conn.Close()
			continue
		}
		id := nextID
		nextID++
		t.children.Put(id, conn)
		t.log.Info("connection accepted",
			zap.Uint32("id", id),
			zap.String("remote", conn.RemoteAddr().String()))
		go runChildPump(t.log, t.fw, id, conn)
	}
}

// throttled enforces accept_rate per source IP over the throttle window.
func (t *serverTunnel) throttled(conn net.Conn) bool {
	if t.ipCache == nil {
		return false
	}
	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	if count, found := t.ipCache.Get(ip); found {
		if count.(int) >= t.opts.AcceptRate {
			t.log.Warn("accept rate exceeded", zap.String("ip", ip))
			return true
		}
		//nolint:errcheck // key exists; increment cannot fail
		_ = t.ipCache.Increment(ip, 1)
		return false
	}
	t.ipCache.Set(ip, 1, cache.DefaultExpiration)
	return false
}

// demuxLoop is the sole consumer of inbound frames. It routes data to
// children and handles CLOSE notifications; it never creates children.
func (t *serverTunnel) demuxLoop() {
	defer t.teardown()

	scratch := make([]byte, 0, 4+pumpBufSize)
	for {
		payload, err := t.fr.ReadFrame(scratch[:0])
		if err != nil {
			if support.IsBenignCloseError(err) {
				t.log.Info("control stream closed")
			} else {
				t.log.Error("control stream read failed", zap.Error(err))
			}
			return
		}
		scratch = payload

		id := protocol.ParseID(payload)
		data := payload[4:]
		switch id {
		case protocol.CloseID:
			if len(data) < 4 {
				t.log.Warn("short close frame dropped")
				continue
			}
			target := binary.BigEndian.Uint32(data[:4])
			if conn := t.children.Remove(target); conn != nil {
				shutdownWrite(conn)
				t.log.Info("connection closed by peer", zap.Uint32("id", target))
			} else {
				t.log.Warn("close for unknown connection dropped", zap.Uint32("id", target))
			}
		case protocol.PingID:
			t.log.Debug("ping frame dropped")
		default:
			st, werr := t.children.WriteTo(id, data)
			if st == writeMiss {
				t.log.Warn("data for unknown connection dropped", zap.Uint32("id", id))
				continue
			}
			if werr != nil {
				if conn := t.children.Remove(id); conn != nil {
					shutdownWrite(conn)
				}
				t.log.Warn("connection write failed", zap.Uint32("id", id), zap.Error(werr))
			}
		}
	}
}
