package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config captures the tunable parameters of a replica process.
type Config struct {
	Replica ReplicaConfig `json:"replica" yaml:"replica"`
	World   WorldConfig   `json:"world" yaml:"world"`
}

type ReplicaConfig struct {
	ID       string `json:"id" yaml:"id" validate:"required"`
	HostURL  string `json:"hostUrl" yaml:"host_url" validate:"required,url"`
	ViewerID string `json:"viewerId" yaml:"viewer_id"`
	// TickRate is the session step cadence.
	TickRate Duration `json:"tickRate" yaml:"tick_rate" validate:"gt=0"`
	// WalkSpeed of the walker viewer in world units per second.
	WalkSpeed float64 `json:"walkSpeed" yaml:"walk_speed" validate:"gte=0"`
	// ReportInterval paces bot interactions; zero disables them.
	ReportInterval Duration `json:"reportInterval" yaml:"report_interval" validate:"gte=0"`
	StatusInterval Duration `json:"statusInterval" yaml:"status_interval" validate:"gte=0"`
	ReconnectDelay Duration `json:"reconnectDelay" yaml:"reconnect_delay" validate:"gte=0"`
}

// Load reads configuration from a JSON file if provided. An empty path returns defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Decode(data, json.Unmarshal)
}

// Decode overlays data onto the defaults with unmarshal, then clamps and
// validates the result. A document that names its own biomes replaces the
// default biome list rather than merging into it.
func Decode(data []byte, unmarshal func([]byte, any) error) (*Config, error) {
	cfg := Default()
	cfg.World.Biomes = nil
	if err := unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.World.Biomes) == 0 {
		cfg.World.Biomes = DefaultBiomes()
	}

	cfg.World.Clamp()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// WriteFile stores the configuration as indented JSON, replacing path
// atomically so a concurrently starting replica never reads half a file.
func (c *Config) WriteFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func Default() *Config {
	return &Config{
		Replica: ReplicaConfig{
			ID:             "replica-0",
			HostURL:        "ws://127.0.0.1:28080/v1/ws",
			ViewerID:       "walker-0",
			TickRate:       Duration(50 * time.Millisecond),
			WalkSpeed:      8,
			ReportInterval: Duration(2 * time.Second),
			StatusInterval: Duration(30 * time.Second),
			ReconnectDelay: Duration(2 * time.Second),
		},
		World: DefaultWorld(),
	}
}

func (c *Config) Validate() error {
	if err := structError("", validate.Struct(c)); err != nil {
		return err
	}
	if c.World.RetryMax > 0 && c.World.RetryMax < c.World.RetryInterval {
		return errors.New("world.retryMax must be >= retryInterval")
	}
	return nil
}

// ApplyEnv overrides selected fields from the environment. It is called after
// Load so that values from a .env file take precedence over the file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("REPLICA_ID"); ok && v != "" {
		c.Replica.ID = v
	}
	if v, ok := lookup("REPLICA_HOST_URL"); ok && v != "" {
		c.Replica.HostURL = v
	}
	if v, ok := lookup("REPLICA_VIEWER_ID"); ok && v != "" {
		c.Replica.ViewerID = v
	}
	if v, ok := lookup("REPLICA_REPORT_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("REPLICA_REPORT_INTERVAL: %w", err)
		}
		c.Replica.ReportInterval = Duration(d)
	}
	if v, ok := lookup("REPLICA_WALK_SPEED"); ok && v != "" {
		speed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("REPLICA_WALK_SPEED: %w", err)
		}
		c.Replica.WalkSpeed = speed
	}
	return c.Validate()
}
