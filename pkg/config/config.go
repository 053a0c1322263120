// Package config loads the fleet configuration file.
//
// The file is JSON with comments (tidwall/jsonc) or YAML, selected by
// extension. Every process of the fleet loads the same file; the values
// derived from it, including the core count used for defaults, are fixed
// for the life of the process.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/salahayoub/restfleet/pkg/wire"
)

const (
	// DefaultAppBuffer is the plaintext buffer size per connection.
	DefaultAppBuffer = 4 * 1024
	// DefaultTransportBuffer fits one TLS record plus overhead.
	DefaultTransportBuffer = 17 * 1024
	// DefaultMaxFrame bounds a single frame body.
	DefaultMaxFrame = 16 * 1024 * 1024

	minHeartbeat  = 500 * time.Millisecond
	maxHeartbeat  = 5 * time.Second
	storeFileName = "fleet.db"
)

// Config is the validated configuration of one fleet.
type Config struct {
	Path string // file the configuration was loaded from

	Application Application
	Ports       Ports
	Security    Security
	Topology    Topology
	Buffers     Buffers
	DataDir     string

	// Cores is the logical CPU count seen at load time.
	Cores int
}

// Application identifies the served application.
type Application struct {
	Path    string
	Version string
}

// Ports are the listener ports of HTTP-capable instances. Zero disables a port.
type Ports struct {
	SSL   int
	Plain int
	Admin int
}

// Security holds TLS and CORS settings.
type Security struct {
	RequireSSL bool
	CertFile   string
	KeyFile    string
	// CorsDomains are normalized to ".domain." form; "*" is kept as is.
	CorsDomains []string
}

// Topology is the declared shape of the fleet.
type Topology struct {
	Servers    int // REST-only instances
	Workers    int // connections served concurrently per process
	Waiters    int // accept goroutines per listener
	HotStandby bool
	Heartbeat  time.Duration
	IPC        IPC
}

// IPC sizes the shared inter-process buffers.
type IPC struct {
	Extends int
	ExtSize uint64
}

// Buffers sizes connection buffers.
type Buffers struct {
	App       int
	Transport int
	MaxFrame  int

	// Compression applies to reply bodies; requests may use any encoding.
	Compression wire.Compression
}

// HTTPInstances returns how many instances own listeners.
func (t Topology) HTTPInstances() int {
	if t.HotStandby {
		return 2
	}
	return 1
}

// Instances returns the total number of fleet members.
func (t Topology) Instances() int {
	return t.HTTPInstances() + t.Servers
}

// DeadAfter returns the age beyond which a heartbeat is considered dead.
func (t Topology) DeadAfter() time.Duration {
	return 4 * t.Heartbeat
}

// StorePath returns the location of the coordination store.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, storeFileName)
}

// LogDir returns the directory holding per-instance log and stdout files.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// TLSEnabled reports whether a certificate is configured for the ssl port.
func (c *Config) TLSEnabled() bool {
	return c.Security.CertFile != "" && c.Security.KeyFile != ""
}

// file mirrors the on-disk layout. Sizes and durations are strings so that
// both "64KB" and 65536 style values can be written.
type file struct {
	Application struct {
		Path    string `json:"path" yaml:"path"`
		Version string `json:"version" yaml:"version"`
	} `json:"application" yaml:"application"`
	Ports struct {
		SSL   int `json:"ssl" yaml:"ssl"`
		Plain int `json:"plain" yaml:"plain"`
		Admin int `json:"admin" yaml:"admin"`
	} `json:"ports" yaml:"ports"`
	Security struct {
		RequireSSL bool   `json:"require.ssl" yaml:"require.ssl"`
		Cors       string `json:"Cors-Allow-Sites" yaml:"Cors-Allow-Sites"`
		Cert       string `json:"cert" yaml:"cert"`
		Key        string `json:"key" yaml:"key"`
	} `json:"security" yaml:"security"`
	Topology struct {
		Servers    int    `json:"servers" yaml:"servers"`
		Workers    int    `json:"workers" yaml:"workers"`
		Waiters    int    `json:"waiters" yaml:"waiters"`
		HotStandby bool   `json:"hot-standby" yaml:"hot-standby"`
		Heartbeat  string `json:"heartbeat" yaml:"heartbeat"`
		IPC        struct {
			Extends int       `json:"extends" yaml:"extends"`
			ExtSize sizeValue `json:"extsize" yaml:"extsize"`
		} `json:"ipc" yaml:"ipc"`
	} `json:"topology" yaml:"topology"`
	Buffers struct {
		App         sizeValue `json:"app" yaml:"app"`
		Transport   sizeValue `json:"transport" yaml:"transport"`
		MaxFrame    sizeValue `json:"max-frame" yaml:"max-frame"`
		Compression string    `json:"compression" yaml:"compression"`
	} `json:"buffers" yaml:"buffers"`
	DataDir string `json:"data-dir" yaml:"data-dir"`
}

// sizeValue accepts a byte count either as a number or a humanized string.
type sizeValue string

func (s *sizeValue) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = sizeValue(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("size must be a number or a string: %s", b)
	}
	*s = sizeValue(n.String())
	return nil
}

func (s *sizeValue) UnmarshalYAML(node *yaml.Node) error {
	*s = sizeValue(node.Value)
	return nil
}

func (s sizeValue) bytes() (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return humanize.ParseBytes(string(s))
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Problems: []string{err.Error()}}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Parse(abs, data)
}

// Parse decodes data as the configuration file found at path. The path
// selects the format and anchors relative paths.
func Parse(path string, data []byte) (*Config, error) {
	var raw file
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &ConfigError{Path: path, Problems: []string{"parse yaml: " + err.Error()}}
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			return nil, &ConfigError{Path: path, Problems: []string{"parse json: " + err.Error()}}
		}
	}

	cfg, problems := build(path, &raw, cpuCores())
	if len(problems) > 0 {
		return nil, &ConfigError{Path: path, Problems: problems}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func build(path string, raw *file, cores int) (*Config, []string) {
	var problems []string
	base := filepath.Dir(path)

	cfg := &Config{
		Path:  path,
		Cores: cores,
		Application: Application{
			Path:    resolve(base, raw.Application.Path),
			Version: raw.Application.Version,
		},
		Ports: Ports{
			SSL:   raw.Ports.SSL,
			Plain: raw.Ports.Plain,
			Admin: raw.Ports.Admin,
		},
		Security: Security{
			RequireSSL:  raw.Security.RequireSSL,
			CertFile:    resolve(base, raw.Security.Cert),
			KeyFile:     resolve(base, raw.Security.Key),
			CorsDomains: ParseCorsDomains(raw.Security.Cors),
		},
		DataDir: raw.DataDir,
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(base, cfg.DataDir)
	}

	t := raw.Topology
	cfg.Topology = Topology{
		Servers:    t.Servers,
		Workers:    t.Workers,
		Waiters:    t.Waiters,
		HotStandby: t.HotStandby,
		IPC:        IPC{Extends: t.IPC.Extends},
	}
	if cfg.Topology.Waiters == 0 {
		cfg.Topology.Waiters = defaultWaiters(cores)
	}
	if cfg.Topology.Workers == 0 {
		cfg.Topology.Workers = defaultWorkers(cfg.Topology.Servers, cores)
	}
	if t.Heartbeat == "" {
		cfg.Topology.Heartbeat = DefaultHeartbeat(cores)
	} else if d, err := time.ParseDuration(t.Heartbeat); err != nil {
		problems = append(problems, fmt.Sprintf("topology.heartbeat: %v", err))
	} else {
		cfg.Topology.Heartbeat = d
	}
	if n, err := t.IPC.ExtSize.bytes(); err != nil {
		problems = append(problems, fmt.Sprintf("topology.ipc.extsize: %v", err))
	} else {
		cfg.Topology.IPC.ExtSize = n
	}

	sizes := []struct {
		name string
		v    sizeValue
		def  int
		dst  *int
	}{
		{"buffers.app", raw.Buffers.App, DefaultAppBuffer, &cfg.Buffers.App},
		{"buffers.transport", raw.Buffers.Transport, DefaultTransportBuffer, &cfg.Buffers.Transport},
		{"buffers.max-frame", raw.Buffers.MaxFrame, DefaultMaxFrame, &cfg.Buffers.MaxFrame},
	}
	for _, s := range sizes {
		n, err := s.v.bytes()
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("%s: %v", s.name, err))
		case n == 0:
			*s.dst = s.def
		case n > 1<<31-1:
			problems = append(problems, fmt.Sprintf("%s: %s is too large", s.name, humanize.IBytes(n)))
		default:
			*s.dst = int(n)
		}
	}
	if c, err := wire.ParseCompression(strings.ToLower(raw.Buffers.Compression)); err != nil {
		problems = append(problems, fmt.Sprintf("buffers.compression: %v", err))
	} else {
		cfg.Buffers.Compression = c
	}
	return cfg, problems
}

// Validate checks the loaded values. All problems are reported together.
func (c *Config) Validate() error {
	var errs []string

	for _, p := range []struct {
		name string
		port int
	}{{"ports.ssl", c.Ports.SSL}, {"ports.plain", c.Ports.Plain}, {"ports.admin", c.Ports.Admin}} {
		if p.port < 0 || p.port > 65535 {
			errs = append(errs, fmt.Sprintf("%s: %d is not a valid port", p.name, p.port))
		}
	}
	if c.Ports.SSL == 0 && c.Ports.Plain == 0 && c.Ports.Admin == 0 {
		errs = append(errs, "ports: at least one port must be configured")
	}
	if (c.Security.CertFile == "") != (c.Security.KeyFile == "") {
		errs = append(errs, "security: cert and key must be set together")
	}
	if c.Security.RequireSSL && !c.TLSEnabled() {
		errs = append(errs, "security.require.ssl needs cert and key")
	}
	if c.Topology.Servers < 0 {
		errs = append(errs, "topology.servers must not be negative")
	}
	if c.Topology.Instances() > 1<<15-1 {
		errs = append(errs, "topology: too many instances")
	}
	if c.Topology.Workers < 1 {
		errs = append(errs, "topology.workers must be positive")
	}
	if c.Topology.Waiters < 1 {
		errs = append(errs, "topology.waiters must be positive")
	}
	if c.Topology.Heartbeat <= 0 {
		errs = append(errs, "topology.heartbeat must be positive")
	}
	if c.Buffers.App < 64 {
		errs = append(errs, "buffers.app must be at least 64 bytes")
	}
	if c.Buffers.Transport < c.Buffers.App {
		errs = append(errs, "buffers.transport must not be smaller than buffers.app")
	}
	if c.Buffers.MaxFrame < 1 {
		errs = append(errs, "buffers.max-frame must be positive")
	}

	if len(errs) > 0 {
		return &ConfigError{Path: c.Path, Problems: errs}
	}
	return nil
}

// ParseCorsDomains splits a space or comma separated list of domains.
func ParseCorsDomains(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	var out []string
	for _, d := range fields {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if d != "*" {
			d = "." + strings.Trim(d, ".") + "."
		}
		out = append(out, d)
	}
	return out
}

// DefaultHeartbeat derives the heartbeat interval from the core count:
// a quarter second per pair of cores, within [500ms, 5s].
func DefaultHeartbeat(cores int) time.Duration {
	d := time.Duration(max(2, cores/2)) * minHeartbeat / 2
	return min(max(d, minHeartbeat), maxHeartbeat)
}

func defaultWaiters(cores int) int {
	w := cores / 2
	if w < 2 {
		w = cores
	}
	return max(w, 1)
}

func defaultWorkers(servers, cores int) int {
	return max(1, servers) * 8 * max(cores, 1)
}

// resolve anchors a relative path at the configuration directory.
func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

func cpuCores() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}
