// Package config loads the pacingd YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lym-ifae/Sentinel/pacing"
	"github.com/lym-ifae/Sentinel/policy"
	"github.com/lym-ifae/Sentinel/system"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Pacing configures a gate.
type Pacing struct {
	MaxQueueing Duration `yaml:"max_queueing"`
	InitialRate float64  `yaml:"initial_rate"`
	MaxRate     float64  `yaml:"max_rate"`
}

// Config returns the gate configuration.
func (p Pacing) Config() pacing.Config {
	return pacing.Config{
		MaxQueueing: time.Duration(p.MaxQueueing),
		InitialRate: p.InitialRate,
		MaxRate:     p.MaxRate,
	}
}

// Sampler configures the CPU sampler.
type Sampler struct {
	WarmUp    Duration `yaml:"warm_up"`
	Interval  Duration `yaml:"interval"`
	Smoothing float64  `yaml:"smoothing"`
}

// Redis enables shared gate state. An empty Addr keeps state in process.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// Group routes methods to a dedicated gate.
type Group struct {
	Name   string   `yaml:"name"`
	Exact  []string `yaml:"exact"`
	Prefix []string `yaml:"prefix"`
	Regex  []string `yaml:"regex"`
	Exempt bool     `yaml:"exempt"`
	Pacing `yaml:",inline"`
}

// Tracing configures span export.
type Tracing struct {
	Stdout bool `yaml:"stdout"`
}

// File is the top-level configuration document.
type File struct {
	Listen        string  `yaml:"listen"`
	MetricsListen string  `yaml:"metrics_listen"`
	Pacing        Pacing  `yaml:"pacing"`
	Sampler       Sampler `yaml:"sampler"`
	Redis         Redis   `yaml:"redis"`
	Groups        []Group `yaml:"groups"`
	Tracing       Tracing `yaml:"tracing"`
}

// Defaults returns a configuration with every optional field filled in.
func Defaults() *File {
	return &File{
		Listen:        ":50051",
		MetricsListen: ":9090",
		Pacing: Pacing{
			MaxQueueing: Duration(500 * time.Millisecond),
			InitialRate: pacing.DefaultRate,
		},
		Sampler: Sampler{
			WarmUp:    Duration(system.DefaultWarmUp),
			Interval:  Duration(system.DefaultInterval),
			Smoothing: 1,
		},
		Redis: Redis{Key: "sentinel:pacing"},
	}
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over [Defaults] and validates the result. Unknown
// fields are rejected.
func Parse(data []byte) (*File, error) {
	f := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Resolver builds the method resolver for the configured groups, or nil
// when there are none.
func (f *File) Resolver() (*policy.Resolver, error) {
	if len(f.Groups) == 0 {
		return nil, nil
	}
	groups := make([]*policy.GroupBuilder, 0, len(f.Groups))
	for _, g := range f.Groups {
		b := policy.Group(g.Name)
		for _, p := range g.Exact {
			b.Exact(p)
		}
		for _, p := range g.Prefix {
			b.Prefix(p)
		}
		for _, p := range g.Regex {
			b.Regex(p)
		}
		pol := policy.Policy{Exempt: g.Exempt}
		if g.MaxQueueing != 0 || g.InitialRate != 0 || g.MaxRate != 0 {
			pol.Pacing = &policy.PacingRule{
				MaxQueueing: time.Duration(g.MaxQueueing),
				InitialRate: g.InitialRate,
				MaxRate:     g.MaxRate,
			}
		}
		groups = append(groups, b.Policy(pol))
	}
	r, err := policy.NewResolver(groups...)
	if err != nil {
		return nil, fmt.Errorf("failed to build method groups: %w", err)
	}
	return r, nil
}
