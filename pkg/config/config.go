// Package config loads the dwarfscope YAML configuration file.
package config

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	configDir  = "dwarfscope"
	configFile = "config.yml"
)

// LineRange shifts source lines [From, To] by Delta.
type LineRange struct {
	From  int `yaml:"from"`
	To    int `yaml:"to"`
	Delta int `yaml:"delta"`
}

// LineAdjustment describes how lines of File moved in source revision Tag.
// When RenamedTo is set, File is known as RenamedTo in the debugged binary.
type LineAdjustment struct {
	File      string      `yaml:"file"`
	Tag       string      `yaml:"tag"`
	RenamedTo string      `yaml:"renamed-to"`
	Ranges    []LineRange `yaml:"ranges"`
}

// Config is the content of the configuration file.
type Config struct {
	// Arch is the target architecture name, "amd64" when empty.
	Arch string `yaml:"arch"`
	// LogOutput lists the log layers enabled by default.
	LogOutput string `yaml:"log-output"`
	// LineAdjustments keep position specifiers valid across source
	// revisions.
	LineAdjustments []LineAdjustment `yaml:"line-adjustments"`
	// Scripts are Starlark handler files registered when a session starts.
	Scripts []string `yaml:"scripts"`
	// MaxBacktraceDepth bounds the 'bt' command.
	MaxBacktraceDepth int `yaml:"max-backtrace-depth"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{Arch: "amd64", MaxBacktraceDepth: 50}
}

// Parse decodes a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, errors.Wrap(err, "could not parse config")
	}
	if c.Arch == "" {
		c.Arch = "amd64"
	}
	if c.MaxBacktraceDepth <= 0 {
		c.MaxBacktraceDepth = 50
	}
	return c, nil
}

// Load reads path, or the default location when path is empty. A missing
// default file yields Default().
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(), nil
		}
		return nil, errors.Wrapf(err, "could not read config %s", path)
	}
	return Parse(data)
}

// DefaultPath returns $XDG_CONFIG_HOME/dwarfscope/config.yml, falling back
// to ~/.config.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, configDir, configFile)
}
