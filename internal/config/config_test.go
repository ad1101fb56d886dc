package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name != "tabbridge" {
		t.Errorf("expected server name 'tabbridge', got %q", cfg.Server.Name)
	}
	if cfg.Server.LogFile != "tabbridge.log" {
		t.Errorf("expected log file 'tabbridge.log', got %q", cfg.Server.LogFile)
	}
	if !cfg.Bridge.Stdio {
		t.Error("expected Stdio to be true")
	}
	if !cfg.Bridge.ExitOnStdioClose {
		t.Error("expected ExitOnStdioClose to be true")
	}
	if cfg.Bridge.MaxFrameBytes != 1<<20 {
		t.Errorf("expected max frame 1 MiB, got %d", cfg.Bridge.MaxFrameBytes)
	}
	if cfg.Bridge.ActivationWait() != 2*time.Second {
		t.Errorf("expected activation timeout 2s, got %v", cfg.Bridge.ActivationWait())
	}
	if cfg.Bridge.Backoff() != 5*time.Second {
		t.Errorf("expected reconnect backoff 5s, got %v", cfg.Bridge.Backoff())
	}
	if cfg.Bridge.GetRecentLimit() != 20 {
		t.Errorf("expected recent limit 20, got %d", cfg.Bridge.GetRecentLimit())
	}
	if len(cfg.Producers) != 0 {
		t.Errorf("expected no default producers, got %d", len(cfg.Producers))
	}
	if !cfg.Mangle.Enable {
		t.Error("expected Mangle.Enable to be true")
	}
	if cfg.Mangle.FactBufferLimit != 2048 {
		t.Errorf("expected fact buffer limit 2048, got %d", cfg.Mangle.FactBufferLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for empty path")
	}
	if err.Error() != "config path is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  name: "test-bridge"
  log_file: "bridge.log"
  log_level: "debug"

bridge:
  listen: "unix:///tmp/tabbridge-test.sock"
  activation_timeout: "750ms"
  reconnect_backoff: "1s"

producers:
  - name: os
    kind: windows
    poll_interval: "500ms"
  - name: chrome-devtools
    kind: devtools
    debugger_url: "ws://localhost:9222"
    lazy: true
  - name: helper
    kind: process
    command: ["tabhelper", "--stdio"]

mangle:
  enable: false
  fact_buffer_limit: 100
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Name != "test-bridge" {
		t.Errorf("expected server name 'test-bridge', got %q", cfg.Server.Name)
	}
	if cfg.Bridge.ActivationWait() != 750*time.Millisecond {
		t.Errorf("expected activation timeout 750ms, got %v", cfg.Bridge.ActivationWait())
	}
	// Unset fields keep their defaults.
	if !cfg.Bridge.Stdio {
		t.Error("expected Stdio default to survive overlay")
	}
	if len(cfg.Producers) != 3 {
		t.Fatalf("expected 3 producers, got %d", len(cfg.Producers))
	}
	if cfg.Producers[0].Interval() != 500*time.Millisecond {
		t.Errorf("expected poll interval 500ms, got %v", cfg.Producers[0].Interval())
	}
	if !cfg.Producers[1].Lazy {
		t.Error("expected devtools producer to be lazy")
	}
	if cfg.Producers[2].Command[0] != "tabhelper" {
		t.Errorf("expected command tabhelper, got %v", cfg.Producers[2].Command)
	}
	if cfg.Mangle.Enable {
		t.Error("expected Mangle.Enable to be false")
	}

	network, addr, err := cfg.Bridge.ListenAddr()
	if err != nil {
		t.Fatalf("ListenAddr: %v", err)
	}
	if network != "unix" || addr != "/tmp/tabbridge-test.sock" {
		t.Errorf("unexpected listen address %s %s", network, addr)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config { return DefaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty server name",
			mutate:  func(c *Config) { c.Server.Name = "" },
			wantErr: "server.name is required",
		},
		{
			name:    "oversize frame limit",
			mutate:  func(c *Config) { c.Bridge.MaxFrameBytes = MaxFrameLimit + 1 },
			wantErr: "max_frame_bytes",
		},
		{
			name:    "bad listen scheme",
			mutate:  func(c *Config) { c.Bridge.Listen = "http://localhost:1" },
			wantErr: "unix:// or tcp://",
		},
		{
			name: "process without command",
			mutate: func(c *Config) {
				c.Producers = []ProducerConfig{{Name: "p", Kind: KindProcess}}
			},
			wantErr: "command is required",
		},
		{
			name: "devtools without endpoint",
			mutate: func(c *Config) {
				c.Producers = []ProducerConfig{{Name: "d", Kind: KindDevTools}}
			},
			wantErr: "debugger_url or launch",
		},
		{
			name: "duplicate names",
			mutate: func(c *Config) {
				c.Producers = []ProducerConfig{{Name: "os", Kind: KindWindows}, {Name: "os", Kind: KindWindows}}
			},
			wantErr: "duplicate producer name",
		},
		{
			name: "unknown kind",
			mutate: func(c *Config) {
				c.Producers = []ProducerConfig{{Name: "x", Kind: "carrier-pigeon"}}
			},
			wantErr: "unknown kind",
		},
		{
			name: "valid windows producer",
			mutate: func(c *Config) {
				c.Producers = []ProducerConfig{{Name: "os", Kind: KindWindows}}
			},
		},
		{
			name:   "tcp listen",
			mutate: func(c *Config) { c.Bridge.Listen = "tcp://127.0.0.1:7777" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestDurationAccessorsFallBack(t *testing.T) {
	b := BridgeConfig{ActivationTimeout: "soon", ReconnectBackoff: "-1s", PingTimeout: ""}
	if b.ActivationWait() != 2*time.Second {
		t.Errorf("expected fallback 2s, got %v", b.ActivationWait())
	}
	if b.Backoff() != 5*time.Second {
		t.Errorf("expected fallback 5s, got %v", b.Backoff())
	}
	if b.PingWait() != 3*time.Second {
		t.Errorf("expected fallback 3s, got %v", b.PingWait())
	}
	if b.Liveness() != 30*time.Second {
		t.Errorf("expected default liveness 30s, got %v", b.Liveness())
	}

	b.LivenessInterval = "0"
	if b.Liveness() != 0 {
		t.Errorf("expected liveness disabled, got %v", b.Liveness())
	}

	p := ProducerConfig{}
	if p.Wmctrl() != "wmctrl" {
		t.Errorf("expected wmctrl default, got %q", p.Wmctrl())
	}
	if p.Interval() != 2*time.Second {
		t.Errorf("expected poll interval 2s, got %v", p.Interval())
	}
}
