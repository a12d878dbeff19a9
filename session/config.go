package session

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the fixed policy bounds of a Manager.
type Config struct {
	// MaxFlushRetries is the number of times a flush is replayed against a
	// fresh baseline after a commit conflict.
	// Default: 3
	MaxFlushRetries int `yaml:"max_flush_retries"`

	// MaxCascadeDepth bounds the breadth-first depth of delete cascades.
	// Default: 1024
	MaxCascadeDepth int `yaml:"max_cascade_depth"`

	// FailSampleBound is the number of offending records named by a
	// FAIL_PER_TYPE violation before the "and more..." marker.
	// Default: 10
	FailSampleBound int `yaml:"fail_sample_bound"`

	// MaxListenerPasses bounds the hook, cascade and SyncBeforeConstraints
	// loop that runs while listeners keep producing changes.
	// Default: 16
	MaxListenerPasses int `yaml:"max_listener_passes"`

	// BeforeFlushPasses is the number of extra internal passes run when
	// SyncBeforeFlush listeners produce changes. Records changed during the
	// last pass are validated but not notified at SyncBeforeFlush again.
	// Default: 1
	BeforeFlushPasses int `yaml:"before_flush_passes"`

	// AsyncQueueCapacity bounds pending Async notifications. 0 is unbounded.
	// Default: 0
	AsyncQueueCapacity int `yaml:"async_queue_capacity"`

	// DrainOnClose makes Manager.Close deliver pending Async notifications
	// instead of discarding them.
	// Default: true
	DrainOnClose bool `yaml:"drain_on_close"`
}

// DefaultConfig returns the default policy bounds.
func DefaultConfig() Config {
	return Config{
		MaxFlushRetries:   3,
		MaxCascadeDepth:   1024,
		FailSampleBound:   10,
		MaxListenerPasses: 16,
		BeforeFlushPasses: 1,
		DrainOnClose:      true,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read session config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse session config: %w", err)
	}
	cfg.validate()
	return cfg, nil
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	def := DefaultConfig()
	if c.MaxFlushRetries < 0 {
		c.MaxFlushRetries = 0
	}
	if c.MaxCascadeDepth < 1 {
		c.MaxCascadeDepth = def.MaxCascadeDepth
	}
	if c.FailSampleBound < 1 {
		c.FailSampleBound = def.FailSampleBound
	}
	if c.MaxListenerPasses < 1 {
		c.MaxListenerPasses = def.MaxListenerPasses
	}
	if c.BeforeFlushPasses < 0 {
		c.BeforeFlushPasses = 0
	}
	if c.AsyncQueueCapacity < 0 {
		c.AsyncQueueCapacity = 0
	}
}
