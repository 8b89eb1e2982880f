// Package config loads the branchynet YAML configuration.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/branchynet/internal/earlyexit"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the top-level configuration file.
type Config struct {
	Variant       string     `yaml:"variant"`
	Criterion     string     `yaml:"criterion"`
	ExitThreshold float64    `yaml:"exit_threshold"`
	Classes       int        `yaml:"classes"`
	InputShape    []int      `yaml:"input_shape"`
	Checkpoint    string     `yaml:"checkpoint"`
	Seed          uint64     `yaml:"seed"`
	Export        Export     `yaml:"export"`
	Crosscheck    Crosscheck `yaml:"crosscheck"`
	Data          Data       `yaml:"data"`
}

// Export configures ONNX export.
type Export struct {
	Path string `yaml:"path"`
	Name string `yaml:"name"`
	Fast bool   `yaml:"fast"`
}

// File returns the output file. Fast exports are prefixed "speedy-", others
// "slow-".
func (e Export) File() string {
	prefix := "slow-"
	if e.Fast {
		prefix = "speedy-"
	}
	return filepath.Join(e.Path, prefix+e.Name)
}

// Crosscheck holds the allclose tolerances.
type Crosscheck struct {
	RTol float64 `yaml:"rtol"`
	ATol float64 `yaml:"atol"`
}

// Data points at an optional MNIST IDX dataset.
type Data struct {
	Images string `yaml:"images"`
	Labels string `yaml:"labels"`
	Limit  int    `yaml:"limit"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Variant:       string(earlyexit.Standard),
		Criterion:     earlyexit.DefaultCriterion,
		ExitThreshold: earlyexit.DefaultThreshold,
		Classes:       10,
		InputShape:    []int{1, 28, 28},
		Export: Export{
			Path: filepath.Join("outputs", "onnx"),
			Name: "brn.onnx",
			Fast: true,
		},
		Crosscheck: Crosscheck{RTol: 1e-3, ATol: 1e-5},
	}
}

// Load reads path on top of Default. An empty path returns Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %q", path)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config %q", path)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping the values of absent fields, and
// validates the result. Unknown fields are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "failed to parse YAML")
	}
	return cfg.Validate()
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	if _, err := earlyexit.ParseVariant(c.Variant); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if _, err := earlyexit.PolicyByName(c.Criterion, c.ExitThreshold); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	switch {
	case c.ExitThreshold < 0:
		return errors.Wrapf(ErrInvalidConfig, "exit_threshold %g is negative", c.ExitThreshold)
	case c.Classes <= 0:
		return errors.Wrapf(ErrInvalidConfig, "classes %d must be positive", c.Classes)
	case len(c.InputShape) != 3:
		return errors.Wrapf(ErrInvalidConfig, "input_shape %v must be [C, H, W]", c.InputShape)
	case c.Crosscheck.RTol < 0 || c.Crosscheck.ATol < 0:
		return errors.Wrapf(ErrInvalidConfig, "negative crosscheck tolerance")
	case c.Data.Limit < 0:
		return errors.Wrapf(ErrInvalidConfig, "data.limit %d is negative", c.Data.Limit)
	case c.Data.Labels != "" && c.Data.Images == "":
		return errors.Wrapf(ErrInvalidConfig, "data.labels set without data.images")
	case c.Export.Name == "":
		return errors.Wrapf(ErrInvalidConfig, "export.name is empty")
	}
	for _, d := range c.InputShape {
		if d <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "input_shape %v has a non-positive dimension", c.InputShape)
		}
	}
	return nil
}

// Options converts the model section to earlyexit build options.
func (c *Config) Options() earlyexit.Options {
	opts := earlyexit.DefaultOptions()
	opts.Classes = c.Classes
	opts.Criterion = c.Criterion
	opts.Threshold = c.ExitThreshold
	opts.Seed = c.Seed
	return opts
}

// Marshal encodes cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
