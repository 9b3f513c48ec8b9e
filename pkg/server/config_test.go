package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultTOMLConfigMatchesDefaultConfig(t *testing.T) {
	cfg := DefaultTOMLConfig()

	if got, want := cfg.ToServerConfig(), DefaultConfig(); got != want {
		t.Fatalf("defaults diverge:\n toml:   %+v\n server: %+v", got, want)
	}
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	if got, want := cfg.ToServerConfig(), DefaultConfig(); got != want {
		t.Fatalf("zero config should produce defaults:\n got:  %+v\n want: %+v", got, want)
	}
}

func TestToServerConfigMapsSettings(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.SSHPort = -1
	cfg.Server.SSHHostKey = "/tmp/host_key"
	cfg.History.Backend = " Badger "
	cfg.History.BadgerPath = "/var/lib/relay/history"
	cfg.History.FlushIntervalMs = 5
	cfg.Limits.MaxFileSize = 1024
	cfg.Limits.TransferTimeoutMs = 1500
	cfg.Limits.ChunkWaitMs = 100

	serverCfg := cfg.ToServerConfig()

	if serverCfg.SSHPort != -1 {
		t.Fatalf("expected SSH disabled, got port %d", serverCfg.SSHPort)
	}
	if serverCfg.SSHHostKeyPath != "/tmp/host_key" {
		t.Fatalf("SSHHostKeyPath = %s", serverCfg.SSHHostKeyPath)
	}
	if serverCfg.Backend != BackendBadger {
		t.Fatalf("Backend = %q", serverCfg.Backend)
	}
	if serverCfg.BadgerPath != "/var/lib/relay/history" {
		t.Fatalf("BadgerPath = %s", serverCfg.BadgerPath)
	}
	if serverCfg.FlushInterval != 5*time.Millisecond {
		t.Fatalf("FlushInterval = %v", serverCfg.FlushInterval)
	}
	if serverCfg.MaxFileSize != 1024 {
		t.Fatalf("MaxFileSize = %d", serverCfg.MaxFileSize)
	}
	if serverCfg.TransferTimeout != 1500*time.Millisecond || serverCfg.ChunkWait != 100*time.Millisecond {
		t.Fatalf("timeouts = %v / %v", serverCfg.TransferTimeout, serverCfg.ChunkWait)
	}
}

func TestReplayLimitClamped(t *testing.T) {
	tests := []struct {
		configured int
		want       int
	}{
		{0, MaxReplayLimit},
		{10, MinReplayLimit},
		{50, 50},
		{75, 75},
		{100, 100},
		{5000, MaxReplayLimit},
	}
	for _, tt := range tests {
		cfg := DefaultTOMLConfig()
		cfg.History.ReplayLimit = tt.configured
		if got := cfg.ToServerConfig().ReplayLimit; got != tt.want {
			t.Errorf("replay_limit=%d -> %d, want %d", tt.configured, got, tt.want)
		}
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	initTestLoggers(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ToServerConfig() != DefaultConfig() {
		t.Fatal("missing config file should load defaults")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	for _, section := range []string{"[server]", "[history]", "[limits]", "tcp_port = 5555"} {
		if !strings.Contains(string(data), section) {
			t.Errorf("written config missing %q", section)
		}
	}

	// Reload the written file
	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reloading written config failed: %v", err)
	}
	if again != cfg {
		t.Fatalf("round trip changed config: %+v", again)
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
tcp_port = 7000
http_port = -1

[history]
backend = "badger"
replay_limit = 60
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	serverCfg := cfg.ToServerConfig()
	if serverCfg.TCPPort != 7000 || serverCfg.HTTPPort != -1 {
		t.Fatalf("ports = %d / %d", serverCfg.TCPPort, serverCfg.HTTPPort)
	}
	if serverCfg.Backend != BackendBadger || serverCfg.ReplayLimit != 60 {
		t.Fatalf("history = %q / %d", serverCfg.Backend, serverCfg.ReplayLimit)
	}
	// Unset values keep their defaults
	if serverCfg.SSHPort != DefaultConfig().SSHPort {
		t.Fatalf("SSHPort = %d", serverCfg.SSHPort)
	}
}

func TestLoadConfigRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("[server\ntcp_port = "), 0644)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("RELAY_TCP_PORT", "7100")
	t.Setenv("RELAY_BACKEND", "badger")
	t.Setenv("RELAY_REPLAY_LIMIT", "80")
	t.Setenv("RELAY_DEBUG", "true")

	cfg := DefaultTOMLConfig()
	debug, err := cfg.ApplyEnv()
	if err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if !debug {
		t.Fatal("RELAY_DEBUG should enable debug logging")
	}

	serverCfg := cfg.ToServerConfig()
	if serverCfg.TCPPort != 7100 || serverCfg.Backend != BackendBadger || serverCfg.ReplayLimit != 80 {
		t.Fatalf("env not applied: %+v", serverCfg)
	}
	if serverCfg.SSHPort != DefaultConfig().SSHPort {
		t.Fatal("unset variables must not change the config")
	}
}

func TestApplyEnvInvalidValue(t *testing.T) {
	t.Setenv("RELAY_TCP_PORT", "not-a-port")

	cfg := DefaultTOMLConfig()
	if _, err := cfg.ApplyEnv(); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/.relay/relay.db")
	if err != nil {
		t.Fatalf("ExpandPath failed: %v", err)
	}
	if want := filepath.Join(home, ".relay", "relay.db"); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	if got, _ := ExpandPath("/abs/path.db"); got != "/abs/path.db" {
		t.Fatalf("absolute path changed: %s", got)
	}
}
