// Package config handles nativetrap.toml (or nativetrap.yaml) runtime
// configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/chazu/nativetrap/trap"
	"go.yaml.in/yaml/v3"
)

// File names searched for, in order.
var fileNames = []string{"nativetrap.toml", "nativetrap.yaml", "nativetrap.yml"}

// ErrNotFound is returned by Load when dir has no configuration file.
var ErrNotFound = errors.New("config: no configuration file")

// Config is a nativetrap runtime configuration.
type Config struct {
	Guard   Guard   `toml:"guard" yaml:"guard" json:"guard"`
	Heap    Heap    `toml:"heap" yaml:"heap" json:"heap"`
	Signals Signals `toml:"signals" yaml:"signals" json:"signals"`
	Log     Log     `toml:"log" yaml:"log" json:"log"`
	Journal Journal `toml:"journal" yaml:"journal" json:"journal"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-" yaml:"-" json:"-"`
}

// Guard configures fault classification.
type Guard struct {
	StackSlack    int    `toml:"stack_slack" yaml:"stack_slack" json:"stack_slack"`
	GuardWords    int    `toml:"guard_words" yaml:"guard_words" json:"guard_words"`
	StackOverflow string `toml:"stack_overflow" yaml:"stack_overflow" json:"stack_overflow"`
}

// Heap sizes the reference nursery.
type Heap struct {
	YoungWords int `toml:"young_words" yaml:"young_words" json:"young_words"`
	MajorWords int `toml:"major_words" yaml:"major_words" json:"major_words"`
}

// Signals lists signals by name, such as "SIGUSR1" or "usr1".
type Signals struct {
	Record []string `toml:"record" yaml:"record" json:"record"`
	Ignore []string `toml:"ignore" yaml:"ignore" json:"ignore"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity" yaml:"verbosity" json:"verbosity"`
	Path      string `toml:"path" yaml:"path" json:"path"`
}

// Journal configures the trap event journal.
type Journal struct {
	Capacity int    `toml:"capacity" yaml:"capacity" json:"capacity"`
	Database string `toml:"database" yaml:"database" json:"database"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Guard: Guard{
			StackSlack:    trap.DefaultStackSlack,
			GuardWords:    512,
			StackOverflow: "raise",
		},
		Heap: Heap{
			YoungWords: 32 * 1024,
			MajorWords: 256 * 1024,
		},
		Journal: Journal{Capacity: 1024},
	}
}

// Load reads the configuration file in dir.
func Load(dir string) (*Config, error) {
	for _, name := range fileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("%w in %s", ErrNotFound, dir)
}

// LoadFile parses one configuration file. Unset keys keep their defaults.
// The result is validated.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a configuration file, then
// loads it. It returns the defaults if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		c, err := Load(dir)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return c, err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate checks c against the schema and resolves every signal name.
func (c *Config) Validate() error {
	if err := validateSchema(c); err != nil {
		return err
	}
	if _, err := c.RecordSignals(); err != nil {
		return err
	}
	if _, err := c.IgnoreSignals(); err != nil {
		return err
	}
	return nil
}

// RecordSignals resolves the signals whose delivery is deferred.
func (c *Config) RecordSignals() ([]syscall.Signal, error) {
	return parseSignals(c.Signals.Record)
}

// IgnoreSignals resolves the signals to ignore.
func (c *Config) IgnoreSignals() ([]syscall.Signal, error) {
	return parseSignals(c.Signals.Ignore)
}

// GuardConfig converts the guard section. guardBytes is the guard zone size
// the heap actually mapped.
func (c *Config) GuardConfig(guardBytes uintptr) trap.GuardConfig {
	mode := trap.OverflowRaise
	if c.Guard.StackOverflow == "redirect" {
		mode = trap.OverflowRedirect
	}
	return trap.GuardConfig{
		StackSlack: uintptr(c.Guard.StackSlack),
		GuardBytes: guardBytes,
		Overflow:   mode,
	}
}

func parseSignals(names []string) ([]syscall.Signal, error) {
	var sigs []syscall.Signal
	for _, name := range names {
		sig, err := ParseSignal(name)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}
