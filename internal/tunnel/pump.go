// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package tunnel

import (
	"encoding/binary"
	"net"

	"go.uber.org/zap"

	"github.com/fortunnels/revtun/internal/protocol"
	"github.com/fortunnels/revtun/internal/support"
)

// pumpBufSize is the per-read ceiling of a child pump, and therefore the
// largest data payload a single frame carries.
const pumpBufSize = 4096

// runChildPump reads from a child socket and forwards each chunk as a data
// frame on the shared control writer. On EOF or a read error it emits one
// CLOSE for the id and terminates. It never removes the child from the
// table; the demultiplexer owns removal.
func runChildPump(log *zap.Logger, fw *protocol.FrameWriter, id uint32, conn net.Conn) {
	buf := make([]byte, pumpBufSize)
	payload := make([]byte, 4, 4+pumpBufSize)
	binary.BigEndian.PutUint32(payload, id)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload = append(payload[:4], buf[:n]...)
			if werr := fw.WriteFrame(payload); werr != nil {
				// Control stream is gone; tunnel teardown is already in
				// progress elsewhere.
				log.Debug("tunnel write failed", zap.Uint32("id", id), zap.Error(werr))
				return
			}
		}
		if err != nil {
			if support.IsBenignCloseError(err) {
				log.Debug("connection finished", zap.Uint32("id", id))
			} else {
				log.Warn("connection read error", zap.Uint32("id", id), zap.Error(err))
			}
			//nolint:errcheck // best-effort close notification
			_ = fw.WriteClose(id)
			return
		}
	}
}
