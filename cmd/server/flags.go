package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/salahayoub/restfleet/pkg/config"
)

// defaultConfigPath is used when --config is not given.
const defaultConfigPath = "restfleet.json"

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string // configuration file (--config)
	DataDir    string // overrides data-dir from the file (--data-dir)
}

// Register adds the global flags to fs.
func (g *GlobalFlags) Register(fs *pflag.FlagSet) {
	fs.StringVarP(&g.ConfigPath, "config", "c", defaultConfigPath, "Fleet configuration file (JSON with comments or YAML)")
	fs.StringVar(&g.DataDir, "data-dir", "", "Directory holding the coordination store and logs")
}

// Load reads the configuration and applies the flag overrides.
func (g *GlobalFlags) Load() (*config.Config, error) {
	if g.ConfigPath == "" {
		return nil, errors.New("missing required flag: --config")
	}
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if g.DataDir != "" {
		dir, err := filepath.Abs(g.DataDir)
		if err != nil {
			dir = g.DataDir
		}
		cfg.DataDir = dir
	}
	return cfg, nil
}

// ServeFlags hold the flags of the serve command.
type ServeFlags struct {
	ID int // fleet member id (--id)
}

// Register adds the serve flags to fs.
func (s *ServeFlags) Register(fs *pflag.FlagSet) {
	fs.IntVar(&s.ID, "id", 0, "Fleet member id to run, 0 is the primary HTTP instance")
}

// Validate checks the flags against the declared topology.
// Returns an error listing every problem found.
func (s *ServeFlags) Validate(cfg *config.Config) error {
	var errs []string

	if s.ID < 0 {
		errs = append(errs, "--id must not be negative")
	}
	if n := cfg.Topology.Instances(); s.ID >= n {
		errs = append(errs, fmt.Sprintf("--id %d is beyond the declared topology of %d members", s.ID, n))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
