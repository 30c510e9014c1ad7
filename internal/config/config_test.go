// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conf.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServer(t *testing.T) {
	path := writeConfig(t, `
listen_port = 7000
ping_interval = 30
accept_rate = 200

[log]
level = "debug"

[tunnel.t1]
key = "abc"

[tunnel.t2]
key = "def"
psk = "longsharedsecret"
`)
	cfg, err := LoadServer(path)
	require.NoError(t, err)
	require.Equal(t, uint16(7000), cfg.ListenPort)
	require.Equal(t, uint64(30), cfg.PingInterval)
	require.Equal(t, 200, cfg.AcceptRate)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Tunnel, 2)
	require.Equal(t, "abc", cfg.Tunnel["t1"].Key)
	require.Equal(t, "longsharedsecret", cfg.Tunnel["t2"].PSK)
}

func TestLoadServerRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing listen_port", "[tunnel.t1]\nkey = \"abc\"\n"},
		{"no tunnels", "listen_port = 7000\n"},
		{"empty key", "listen_port = 7000\n[tunnel.t1]\nkey = \"\"\n"},
		{"bad transport", "listen_port = 7000\ntransport = \"smoke\"\n[tunnel.t1]\nkey = \"abc\"\n"},
		{"negative accept_rate", "listen_port = 7000\naccept_rate = -1\n[tunnel.t1]\nkey = \"abc\"\n"},
		{"not toml", "{\"listen_port\": 7000}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadServer(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestLoadClient(t *testing.T) {
	path := writeConfig(t, `
server_addr = "203.0.113.9:7000"
reconn = 5
transport = "quic"

[tunnel.web]
remote_addr = "0.0.0.0:9000"
local_addr = "127.0.0.1:8080"
key = "abc"
`)
	cfg, err := LoadClient(path)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9:7000", cfg.ServerAddr)
	require.Equal(t, uint64(5), cfg.Reconn)
	require.Equal(t, "quic", cfg.Transport)
	tun := cfg.Tunnel["web"]
	require.Equal(t, "0.0.0.0:9000", tun.RemoteAddr)
	require.Equal(t, "127.0.0.1:8080", tun.LocalAddr)
	require.Equal(t, "abc", tun.Key)
}

func TestLoadClientRejects(t *testing.T) {
	valid := func(mutate string) string {
		return "server_addr = \"127.0.0.1:7000\"\nreconn = 5\n" + mutate
	}
	tests := []struct {
		name    string
		content string
	}{
		{"missing server_addr", "reconn = 5\n[tunnel.t1]\nremote_addr = \"0.0.0.0:9000\"\nlocal_addr = \"127.0.0.1:80\"\nkey = \"abc\"\n"},
		{"zero reconn", "server_addr = \"127.0.0.1:7000\"\nreconn = 0\n[tunnel.t1]\nremote_addr = \"0.0.0.0:9000\"\nlocal_addr = \"127.0.0.1:80\"\nkey = \"abc\"\n"},
		{"no tunnels", valid("")},
		{"bad remote_addr", valid("[tunnel.t1]\nremote_addr = \"nonsense\"\nlocal_addr = \"127.0.0.1:80\"\nkey = \"abc\"\n")},
		{"bad local_addr", valid("[tunnel.t1]\nremote_addr = \"0.0.0.0:9000\"\nlocal_addr = \":\"\nkey = \"abc\"\n")},
		{"empty key", valid("[tunnel.t1]\nremote_addr = \"0.0.0.0:9000\"\nlocal_addr = \"127.0.0.1:80\"\nkey = \"\"\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadClient(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadServer(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("LoadServer() expected error for missing file")
	}
	if _, err := LoadClient(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("LoadClient() expected error for missing file")
	}
}
