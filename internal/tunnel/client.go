// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package tunnel

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/fortunnels/revtun/internal/config"
	"github.com/fortunnels/revtun/internal/protocol"
	"github.com/fortunnels/revtun/internal/security"
	"github.com/fortunnels/revtun/internal/support"
	"github.com/fortunnels/revtun/internal/transport"
)

// Client maintains one named tunnel against the server. It is a daemon:
// any session failure is followed by a reconnect after the configured
// delay, forever, until the context is cancelled.
type Client struct {
	Name       string
	ServerAddr string
	Transport  string
	Reconn     time.Duration
	Conf       config.ClientTunnel
	Log        *zap.Logger
}

// Run drives the connect/serve/reconnect loop.
func (c *Client) Run(ctx context.Context) {
	log := c.Log.With(zap.String("tunnel", c.Name))
	for {
		c.runSession(ctx, log)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.Reconn):
		}
		log.Info("reconnecting to server", zap.String("server", c.ServerAddr))
	}
}

// runSession performs one control-connection lifetime: dial, auth, then
// demultiplex until the control stream fails.
func (c *Client) runSession(ctx context.Context, log *zap.Logger) {
	conn, err := transport.Dial(ctx, c.Transport, c.ServerAddr)
	if err != nil {
		log.Error("connect to server failed", zap.String("server", c.ServerAddr), zap.Error(err))
		return
	}
	defer conn.Close()

	blob, err := protocol.EncodeAuth(c.Name, c.Conf.RemoteAddr, c.Conf.Key)
	if err != nil {
		log.Error("auth encode failed", zap.Error(err))
		return
	}
	// One raw write, before framing starts.
	if _, err := conn.Write(blob); err != nil {
		log.Error("auth write failed", zap.Error(err))
		return
	}
	log.Info("auth finished")

	stream := io.ReadWriteCloser(conn)
	if c.Conf.PSK != "" {
		stream, err = security.Wrap(conn, c.Conf.PSK, c.Name)
		if err != nil {
			log.Error("psk wrap failed", zap.Error(err))
			return
		}
	}

	fw := protocol.NewFrameWriter(stream, c.Conf.Key)
	fr := protocol.NewFrameReader(stream, c.Conf.Key)
	children := newChildTable()
	defer children.CloseAll()

	scratch := make([]byte, 0, 4+pumpBufSize)
	for {
		payload, err := fr.ReadFrame(scratch[:0])
		if err != nil {
			if support.IsBenignCloseError(err) {
				log.Info("control stream closed")
			} else {
				log.Error("control stream read failed", zap.Error(err))
			}
			return
		}
		scratch = payload

		id := protocol.ParseID(payload)
		data := payload[4:]
		switch {
		case id == protocol.PingID:
			// One-way keep-alive; the server infers liveness from its own
			// successful write.
			log.Debug("ping received")
		case id == protocol.CloseID:
			if len(data) < 4 {
				log.Warn("short close frame dropped")
				continue
			}
			target := binary.BigEndian.Uint32(data[:4])
			if child := children.Remove(target); child != nil {
				shutdownWrite(child)
				log.Info("connection closed by peer", zap.Uint32("id", target))
			} else {
				log.Debug("close for unknown connection dropped", zap.Uint32("id", target))
			}
		default:
			st, werr := children.WriteTo(id, data)
			switch {
			case st == writeMiss:
				// First frame for a new id: reserve the slot synchronously,
				// buffering this payload, then dial the local target.
				children.BeginDial(id, data)
				go c.dialChild(log, children, fw, id)
			case werr != nil:
				if child := children.Remove(id); child != nil {
					shutdownWrite(child)
				}
				log.Warn("connection write failed", zap.Uint32("id", id), zap.Error(werr))
				//nolint:errcheck // best-effort close notification
				_ = fw.WriteClose(id)
			}
		}
	}
}

// dialChild connects to the local target for a newly seen id, flushes any
// payloads buffered while the dial was in flight, and runs the child pump.
// On dial failure it emits one CLOSE upstream; the tunnel is unaffected.
func (c *Client) dialChild(log *zap.Logger, children *childTable, fw *protocol.FrameWriter, id uint32) {
	conn, err := net.Dial("tcp", c.Conf.LocalAddr)
	if err != nil {
		log.Warn("connect to local target failed",
			zap.Uint32("id", id),
			zap.String("target", c.Conf.LocalAddr),
			zap.Error(err))
		children.Remove(id)
		//nolint:errcheck // best-effort close notification
		_ = fw.WriteClose(id)
		return
	}

	ok, aerr := children.Attach(id, conn)
	if !ok {
		// A CLOSE raced the dial and discarded the entry; answer it so the
		// peer drops the id from its own table.
		conn.Close()
		//nolint:errcheck // best-effort close notification
		_ = fw.WriteClose(id)
		return
	}
	if aerr != nil {
		children.Remove(id)
		conn.Close()
		log.Warn("connection write failed", zap.Uint32("id", id), zap.Error(aerr))
		//nolint:errcheck // best-effort close notification
		_ = fw.WriteClose(id)
		return
	}

	log.Info("connection opened",
		zap.Uint32("id", id),
		zap.String("target", c.Conf.LocalAddr))
	runChildPump(log, fw, id, conn)
}
