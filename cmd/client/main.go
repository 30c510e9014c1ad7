// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package main

// Command client is the NAT-side peer of the reverse tunnel: one control
// connection per configured tunnel, reconnecting forever.

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fortunnels/revtun/internal/config"
	"github.com/fortunnels/revtun/internal/support"
	"github.com/fortunnels/revtun/internal/tunnel"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config file>\n", os.Args[0])
		os.Exit(2)
	}
	cfg, err := config.LoadClient(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := support.NewLogger(cfg.Log.Level, cfg.Log.Path)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	for name, tc := range cfg.Tunnel {
		c := &tunnel.Client{
			Name:       name,
			ServerAddr: cfg.ServerAddr,
			Transport:  cfg.Transport,
			Reconn:     time.Duration(cfg.Reconn) * time.Second,
			Conf:       tc,
			Log:        logger,
		}
		go c.Run(ctx)
	}
	logger.Info("client started", zap.Int("tunnels", len(cfg.Tunnel)))

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc
	cancel()
	logger.Info("client stopped")
}
