// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package config loads and validates the TOML configuration files for the
// server and client binaries.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/fortunnels/revtun/internal/support"
	"github.com/fortunnels/revtun/internal/transport"
)

// Log configures the process logger.
type Log struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`
}

// ServerTunnel is one [tunnel.<name>] table in the server config.
type ServerTunnel struct {
	Key string `toml:"key"`
	PSK string `toml:"psk"`
}

// Server is the server binary's configuration.
type Server struct {
	ListenPort   uint16                  `toml:"listen_port"`
	Transport    string                  `toml:"transport"`
	PingInterval uint64                  `toml:"ping_interval"`
	AcceptRate   int                     `toml:"accept_rate"`
	Log          Log                     `toml:"log"`
	Tunnel       map[string]ServerTunnel `toml:"tunnel"`
}

// ClientTunnel is one [tunnel.<name>] table in the client config.
type ClientTunnel struct {
	RemoteAddr string `toml:"remote_addr"`
	LocalAddr  string `toml:"local_addr"`
	Key        string `toml:"key"`
	PSK        string `toml:"psk"`
}

// Client is the client binary's configuration.
type Client struct {
	ServerAddr string                  `toml:"server_addr"`
	Reconn     uint64                  `toml:"reconn"`
	Transport  string                  `toml:"transport"`
	Log        Log                     `toml:"log"`
	Tunnel     map[string]ClientTunnel `toml:"tunnel"`
}

// LoadServer reads and validates a server config file.
func LoadServer(path string) (*Server, error) {
	var cfg Server
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// LoadClient reads and validates a client config file.
func LoadClient(path string) (*Client, error) {
	var cfg Client
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func decodeFile(path string, v any) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Server) verify() error {
	if c.ListenPort == 0 {
		return fmt.Errorf("listen_port is required")
	}
	if c.Transport != "" && !transport.IsValidKind(c.Transport) {
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("accept_rate must not be negative")
	}
	if len(c.Tunnel) == 0 {
		return fmt.Errorf("at least one [tunnel.<name>] table is required")
	}
	for name, t := range c.Tunnel {
		if err := verifyTunnelName(name); err != nil {
			return err
		}
		if t.Key == "" {
			return fmt.Errorf("tunnel %q: key is required", name)
		}
	}
	return nil
}

func (c *Client) verify() error {
	if !support.LooksLikeHostPort(c.ServerAddr) {
		return fmt.Errorf("server_addr %q is not host:port", c.ServerAddr)
	}
	if c.Reconn == 0 {
		return fmt.Errorf("reconn must be at least 1 second")
	}
	if c.Transport != "" && !transport.IsValidKind(c.Transport) {
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if len(c.Tunnel) == 0 {
		return fmt.Errorf("at least one [tunnel.<name>] table is required")
	}
	for name, t := range c.Tunnel {
		if err := verifyTunnelName(name); err != nil {
			return err
		}
		if t.Key == "" {
			return fmt.Errorf("tunnel %q: key is required", name)
		}
		if !support.LooksLikeHostPort(t.RemoteAddr) {
			return fmt.Errorf("tunnel %q: remote_addr %q is not host:port", name, t.RemoteAddr)
		}
		if !support.LooksLikeHostPort(t.LocalAddr) {
			return fmt.Errorf("tunnel %q: local_addr %q is not host:port", name, t.LocalAddr)
		}
	}
	return nil
}

func verifyTunnelName(name string) error {
	if name == "" {
		return fmt.Errorf("tunnel name must not be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("tunnel name %q exceeds 255 bytes", name)
	}
	return nil
}
