package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/salahayoub/restfleet/pkg/wire"
)

const sampleJSONC = `{
  // application served by the REST handlers
  "application": {"path": "./app", "version": "1.2"},
  "ports": {"ssl": 9443, "plain": 9080, "admin": 9090},
  "security": {
    "require.ssl": false,
    "Cors-Allow-Sites": "example.com, *  .other.org"
  },
  "topology": {
    "servers": 2,
    "hot-standby": true,
    "heartbeat": "250ms",
    "ipc": {"extends": 4, "extsize": "64KB"},
  },
  "buffers": {"app": "8KiB", "transport": 20480},
  "data-dir": "state",
}`

const sampleYAML = `
application:
  path: /srv/app
ports:
  plain: 8080
  admin: 8081
topology:
  servers: 1
  workers: 3
  waiters: 2
  heartbeat: 2s
buffers:
  app: 1KiB
  transport: 2KiB
  max-frame: 1MiB
  compression: zstd
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// TestLoadJSONC verifies comments, trailing commas and humanized sizes.
func TestLoadJSONC(t *testing.T) {
	path := writeConfig(t, "fleet.json", sampleJSONC)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	dir := filepath.Dir(path)
	if cfg.Application.Path != filepath.Join(dir, "app") {
		t.Errorf("Expected app path resolved against %s, got %s", dir, cfg.Application.Path)
	}
	if cfg.DataDir != filepath.Join(dir, "state") {
		t.Errorf("Expected data dir under %s, got %s", dir, cfg.DataDir)
	}
	if cfg.Ports != (Ports{SSL: 9443, Plain: 9080, Admin: 9090}) {
		t.Errorf("Unexpected ports: %+v", cfg.Ports)
	}
	if cfg.Topology.Heartbeat != 250*time.Millisecond {
		t.Errorf("Expected 250ms heartbeat, got %v", cfg.Topology.Heartbeat)
	}
	if cfg.Topology.DeadAfter() != time.Second {
		t.Errorf("Expected 1s dead threshold, got %v", cfg.Topology.DeadAfter())
	}
	if cfg.Topology.IPC.ExtSize != 64000 {
		t.Errorf("Expected extsize 64000, got %d", cfg.Topology.IPC.ExtSize)
	}
	if cfg.Buffers.App != 8192 || cfg.Buffers.Transport != 20480 {
		t.Errorf("Unexpected buffers: %+v", cfg.Buffers)
	}
	if cfg.Buffers.MaxFrame != DefaultMaxFrame {
		t.Errorf("Expected default max frame, got %d", cfg.Buffers.MaxFrame)
	}
	if cfg.Buffers.Compression != wire.CompressionNone {
		t.Errorf("Expected uncompressed replies by default, got %v", cfg.Buffers.Compression)
	}
	if cfg.Topology.Instances() != 4 {
		t.Errorf("Expected 4 instances with hot standby and 2 servers, got %d", cfg.Topology.Instances())
	}
	want := []string{".example.com.", "*", ".other.org."}
	if strings.Join(cfg.Security.CorsDomains, " ") != strings.Join(want, " ") {
		t.Errorf("Expected cors %v, got %v", want, cfg.Security.CorsDomains)
	}
	if cfg.StorePath() != filepath.Join(dir, "state", "fleet.db") {
		t.Errorf("Unexpected store path %s", cfg.StorePath())
	}
}

// TestLoadYAML verifies the YAML form and explicit topology values.
func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "fleet.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Application.Path != "/srv/app" {
		t.Errorf("Expected absolute app path kept, got %s", cfg.Application.Path)
	}
	if cfg.Topology.Workers != 3 || cfg.Topology.Waiters != 2 {
		t.Errorf("Expected explicit workers/waiters, got %+v", cfg.Topology)
	}
	if cfg.Topology.Heartbeat != 2*time.Second {
		t.Errorf("Expected 2s heartbeat, got %v", cfg.Topology.Heartbeat)
	}
	if cfg.Buffers.MaxFrame != 1<<20 {
		t.Errorf("Expected 1MiB max frame, got %d", cfg.Buffers.MaxFrame)
	}
	if cfg.Buffers.Compression != wire.CompressionZstd {
		t.Errorf("Expected zstd replies, got %v", cfg.Buffers.Compression)
	}
	if cfg.Topology.HTTPInstances() != 1 {
		t.Errorf("Expected one HTTP instance without hot standby, got %d", cfg.Topology.HTTPInstances())
	}
}

// TestValidateAccumulatesProblems verifies that every problem is reported.
func TestValidateAccumulatesProblems(t *testing.T) {
	content := `{
	  "ports": {"plain": 70000},
	  "security": {"require.ssl": true, "cert": "server.pem"},
	  "topology": {"servers": -1, "heartbeat": "1s"},
	  "buffers": {"app": "32"}
	}`
	_, err := Load(writeConfig(t, "bad.json", content))
	if err == nil {
		t.Fatal("Expected validation to fail")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}

	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected *ConfigError, got %T", err)
	}
	for _, fragment := range []string{"ports.plain", "cert and key", "require.ssl", "topology.servers", "buffers.app"} {
		if !strings.Contains(cerr.Error(), fragment) {
			t.Errorf("Expected a problem mentioning %q in %q", fragment, cerr.Error())
		}
	}
}

// TestParseRejectsBadValues verifies parse-level problems.
func TestParseRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad json", "x.json", `{"ports": `},
		{"bad yaml", "x.yml", "ports: [1"},
		{"bad heartbeat", "x.json", `{"ports": {"plain": 1}, "topology": {"heartbeat": "soon"}}`},
		{"bad size", "x.json", `{"ports": {"plain": 1}, "buffers": {"app": "lots"}}`},
		{"bad compression", "x.json", `{"ports": {"plain": 1}, "buffers": {"compression": "gzip"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.file, []byte(tt.content)); !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}

// TestLoadMissingFile verifies the error for an unreadable path.
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

// TestTopologyDefaults verifies the core-derived defaults.
func TestTopologyDefaults(t *testing.T) {
	tests := []struct {
		cores, servers   int
		waiters, workers int
		heartbeat        time.Duration
	}{
		{cores: 1, servers: 0, waiters: 1, workers: 8, heartbeat: 500 * time.Millisecond},
		{cores: 3, servers: 0, waiters: 3, workers: 24, heartbeat: 500 * time.Millisecond},
		{cores: 8, servers: 2, waiters: 4, workers: 128, heartbeat: time.Second},
		{cores: 64, servers: 1, waiters: 32, workers: 512, heartbeat: 5 * time.Second},
	}
	for _, tt := range tests {
		if got := defaultWaiters(tt.cores); got != tt.waiters {
			t.Errorf("cores=%d: expected %d waiters, got %d", tt.cores, tt.waiters, got)
		}
		if got := defaultWorkers(tt.servers, tt.cores); got != tt.workers {
			t.Errorf("cores=%d servers=%d: expected %d workers, got %d", tt.cores, tt.servers, tt.workers, got)
		}
		if got := DefaultHeartbeat(tt.cores); got != tt.heartbeat {
			t.Errorf("cores=%d: expected heartbeat %v, got %v", tt.cores, tt.heartbeat, got)
		}
	}
}

// TestParseCorsDomains verifies domain normalization.
func TestParseCorsDomains(t *testing.T) {
	got := ParseCorsDomains(" a.com,,b.org  * .c.net.")
	want := []string{".a.com.", ".b.org.", "*", ".c.net."}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if ParseCorsDomains("") != nil {
		t.Error("Expected nil for an empty list")
	}
}
