package config

import (
	"fmt"
	"math"
	"regexp"

	"github.com/lym-ifae/Sentinel/pacing"
)

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Path    string
	Message string
}

// Error returns the error message
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate reports the first invalid field, or nil.
func (f *File) Validate() error {
	if f.Listen == "" {
		return ValidationError{Path: "listen", Message: "listen address is required"}
	}
	if err := validatePacing("pacing", f.Pacing); err != nil {
		return err
	}
	if f.Sampler.WarmUp < 0 {
		return ValidationError{Path: "sampler.warm_up", Message: "must not be negative"}
	}
	if f.Sampler.Interval <= 0 {
		return ValidationError{Path: "sampler.interval", Message: "must be positive"}
	}
	if !(f.Sampler.Smoothing > 0 && f.Sampler.Smoothing <= 1) {
		return ValidationError{Path: "sampler.smoothing", Message: "must be in (0, 1]"}
	}
	if f.Redis.Addr != "" && f.Redis.Key == "" {
		return ValidationError{Path: "redis.key", Message: "key is required when addr is set"}
	}

	seen := make(map[string]bool, len(f.Groups))
	for i, g := range f.Groups {
		path := fmt.Sprintf("groups[%d]", i)
		if g.Name == "" {
			return ValidationError{Path: path + ".name", Message: "name is required"}
		}
		if seen[g.Name] {
			return ValidationError{Path: path + ".name", Message: fmt.Sprintf("duplicate group %q", g.Name)}
		}
		seen[g.Name] = true
		if len(g.Exact)+len(g.Prefix)+len(g.Regex) == 0 {
			return ValidationError{Path: path, Message: "at least one exact, prefix or regex rule is required"}
		}
		for j, re := range g.Regex {
			if _, err := regexp.Compile(re); err != nil {
				return ValidationError{Path: fmt.Sprintf("%s.regex[%d]", path, j), Message: err.Error()}
			}
		}
		if err := validatePacing(path, g.Pacing); err != nil {
			return err
		}
	}
	return nil
}

func validatePacing(path string, p Pacing) error {
	if p.MaxQueueing < 0 {
		return ValidationError{Path: path + ".max_queueing", Message: "must not be negative"}
	}
	if !validRate(p.InitialRate) {
		return ValidationError{Path: path + ".initial_rate", Message: "must be a positive finite number"}
	}
	if !validRate(p.MaxRate) {
		return ValidationError{Path: path + ".max_rate", Message: "must be a positive finite number"}
	}
	initial := p.InitialRate
	if initial == 0 {
		initial = pacing.DefaultRate
	}
	if p.MaxRate != 0 && initial > p.MaxRate {
		return ValidationError{Path: path + ".max_rate", Message: "must not be below initial_rate"}
	}
	return nil
}

// validRate accepts zero, which selects the default.
func validRate(v float64) bool {
	return v == 0 || (v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v))
}
