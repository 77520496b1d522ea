// Package config loads run profiles for the lockstep command from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-lockstep/internal/logging"
)

// Profile is one participant's run configuration. Nil pointer fields mean
// "not set in YAML": they leave the command's defaults and flags alone.
type Profile struct {
	Path       string  `yaml:"path"`
	Leader     *bool   `yaml:"leader"`
	Procs      *uint32 `yaml:"procs"`
	MaxCycles  *uint64 `yaml:"max_cycles"`
	Period     string  `yaml:"period"` // Go duration, e.g. "10ns"
	DoubleWait *bool   `yaml:"double_wait"`
	LogLevel   string  `yaml:"log_level"`
}

// Load reads and validates a YAML profile. Unknown keys are rejected so a
// typo does not silently fall back to a default.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run profile: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML profile
func Parse(data []byte) (*Profile, error) {
	var p Profile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing run profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks value ranges
func (p *Profile) Validate() error {
	if p.Procs != nil && *p.Procs == 0 {
		return fmt.Errorf("procs must be at least 1")
	}
	if p.Period != "" {
		d, err := time.ParseDuration(p.Period)
		if err != nil {
			return fmt.Errorf("invalid period %q: %w", p.Period, err)
		}
		if d <= 0 {
			return fmt.Errorf("period must be positive, got %s", p.Period)
		}
	}
	if p.LogLevel != "" {
		if _, err := logging.ParseLevel(p.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level %q: %w", p.LogLevel, err)
		}
	}
	return nil
}

// PeriodDuration returns the parsed period, or 0 when unset
func (p *Profile) PeriodDuration() time.Duration {
	if p.Period == "" {
		return 0
	}
	d, _ := time.ParseDuration(p.Period)
	return d
}
