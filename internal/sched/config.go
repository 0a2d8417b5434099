package sched

import (
	"fmt"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/inhies/go-bytesize"
)

// Config mirrors the scheduler section of config.yml.
type Config struct {
	CPUs           int               `yaml:"cpus"`            // 1 (by default)
	Tick           time.Duration     `yaml:"tick"`            // 5ms, 0 disables the timer
	Latency        time.Duration     `yaml:"latency"`         // 20ms
	MinGranularity time.Duration     `yaml:"min_granularity"` // 1ms
	IdleReset      time.Duration     `yaml:"idle_reset"`      // 500ms, 0 disables
	// DyniceRange bounds how far dynice may drift from nice (10). Setting it
	// to 39 leaves only the 0..39 saturation, so dynice runs all the way to
	// either end.
	DyniceRange    int               `yaml:"dynice_range"`
	StackSize      bytesize.ByteSize `yaml:"stack_size"`      // 8KB
	Memory         bytesize.ByteSize `yaml:"memory"`          // 1MB of stacks
	MaxTasks       int               `yaml:"max_tasks"`       // 256
	Affinity       bool              `yaml:"affinity"`        // pin cores to CPUs
	LogLevel       string            `yaml:"log_level"`       // info
	TraceCSV       string            `yaml:"trace_csv"`       // "" = no CSV trace
	Tasks          []string          `yaml:"tasks"`           // task command lines
}

// DefaultConfig is used when no config file is given.
func DefaultConfig() Config {
	return Config{
		CPUs:           1,
		Tick:           5 * time.Millisecond,
		Latency:        20 * time.Millisecond,
		MinGranularity: time.Millisecond,
		IdleReset:      500 * time.Millisecond,
		DyniceRange:    10,
		StackSize:      8 * bytesize.KB,
		Memory:         bytesize.MB,
		MaxTasks:       256,
		LogLevel:       "info",
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.clamp()
	return cfg, nil
}

// clamp applies the sanity limits.
func (c *Config) clamp() {
	d := DefaultConfig()
	if c.CPUs <= 0 {
		c.CPUs = d.CPUs
	}
	if c.Tick < 0 {
		c.Tick = d.Tick
	}
	if c.Latency <= 0 {
		c.Latency = d.Latency
	}
	if c.MinGranularity <= 0 {
		c.MinGranularity = d.MinGranularity
	}
	if c.MinGranularity > c.Latency {
		c.MinGranularity = c.Latency
	}
	if c.IdleReset < 0 {
		c.IdleReset = 0
	}
	if c.DyniceRange <= 0 || c.DyniceRange > MaxNice {
		c.DyniceRange = d.DyniceRange
	}
	if c.StackSize <= 0 {
		c.StackSize = d.StackSize
	}
	if c.Memory <= 0 {
		c.Memory = d.Memory
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = d.MaxTasks
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}
