// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package main

// Command server is the public peer of the reverse tunnel: it accepts
// control connections from clients, binds the requested public listeners,
// and multiplexes external traffic down each control stream.

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fortunnels/revtun/internal/config"
	"github.com/fortunnels/revtun/internal/support"
	"github.com/fortunnels/revtun/internal/transport"
	"github.com/fortunnels/revtun/internal/tunnel"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config file>\n", os.Args[0])
		os.Exit(2)
	}
	cfg, err := config.LoadServer(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := support.NewLogger(cfg.Log.Level, cfg.Log.Path)
	defer logger.Sync()

	addr := ":" + strconv.Itoa(int(cfg.ListenPort))
	ln, err := transport.Listen(cfg.Transport, addr)
	if err != nil {
		logger.Fatal("listen failed", zap.String("addr", addr), zap.Error(err))
	}
	logger.Info("server listening", zap.String("addr", addr))

	opts := tunnel.ServerOptions{
		PingInterval: time.Duration(cfg.PingInterval) * time.Second,
		AcceptRate:   cfg.AcceptRate,
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Fatal("accept failed", zap.Error(err))
		}
		go tunnel.ServeControl(logger, conn, cfg.Tunnel, opts)
	}
}
