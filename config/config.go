package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values like "4h" parse directly.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Pipeline holds tuning for the refresh orchestration pipeline.
type Pipeline struct {
	// Feeds older than this are considered stale and eligible for refresh
	StalenessThreshold Duration `toml:"staleness_threshold"`

	// How long a feed lock is held before it expires on its own
	LockTTL Duration `toml:"lock_ttl"`

	// Maximum number of feeds per queue message
	ChunkSize int `toml:"chunk_size"`

	// Wall-clock bound on a batch before the actor self-transitions to timeout
	BatchTimeout Duration `toml:"batch_timeout"`

	// How long a terminal batch is kept around for late subscribers
	BatchGrace Duration `toml:"batch_grace"`

	// Delay applied to normal priority chunks so concurrent requests coalesce
	NormalPriorityDelay Duration `toml:"normal_priority_delay"`

	// Storage errors during staleness/lock checks fail open when true
	Optimistic bool `toml:"optimistic"`

	// Number of in-process chunk workers started by serve
	Workers int `toml:"workers"`

	// Buffered capacity of the in-process queue
	QueueSize int `toml:"queue_size"`

	// Times a fully failed chunk is redelivered before it fails the batch
	MaxRetries int `toml:"max_retries"`
}

// Config is the top-level TOML configuration.
type Config struct {
	Pipeline Pipeline `toml:"pipeline"`
}

// Default returns the pipeline defaults used when no config file is given.
func Default() *Config {
	return &Config{
		Pipeline: Pipeline{
			StalenessThreshold:  Duration{4 * time.Hour},
			LockTTL:             Duration{15 * time.Minute},
			ChunkSize:           20,
			BatchTimeout:        Duration{30 * time.Second},
			BatchGrace:          Duration{60 * time.Second},
			NormalPriorityDelay: Duration{2 * time.Second},
			Optimistic:          true,
			Workers:             5,
			QueueSize:           100,
			MaxRetries:          3,
		},
	}
}

// Load reads a TOML config file, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}
