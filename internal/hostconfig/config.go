package hostconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"procworld/internal/config"
)

type Config struct {
	ListenAddress  string             `yaml:"listen_address"`
	HTTPPort       int                `yaml:"http_port"`
	HostID         string             `yaml:"host_id"`
	PublicURL      string             `yaml:"public_url"` // websocket URL handed to launched replicas
	TickRate       config.Duration    `yaml:"tick_rate"`
	StatusInterval config.Duration    `yaml:"status_interval"`
	World          config.WorldConfig `yaml:"world"`
	Transport      TransportConfig    `yaml:"transport"`
	Index          IndexConfig        `yaml:"index"`
	Audit          AuditConfig        `yaml:"audit"`
	Gameplay       GameplayConfig     `yaml:"gameplay"`
	Cluster        ClusterConfig      `yaml:"cluster"`
	Replicas       []ReplicaSpec      `yaml:"replicas"`
}

type TransportConfig struct {
	QueueSize        int             `yaml:"queue_size"`
	ReportLimit      int             `yaml:"report_limit"`
	ReportWindow     config.Duration `yaml:"report_window"`
	HTTPRequestLimit int             `yaml:"http_request_limit"` // per client IP and minute
	BacklogBatch     int             `yaml:"backlog_batch"`
}

// IndexConfig enables the SQLite read model when Path is set.
type IndexConfig struct {
	Path          string          `yaml:"path"`
	FlushInterval config.Duration `yaml:"flush_interval"`
}

// AuditConfig enables the compressed ledger audit trail when Dir is set.
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

type GameplayConfig struct {
	MaxWeapons    int             `yaml:"max_weapons"`
	SpawnRadius   float64         `yaml:"spawn_radius"`
	SpawnInterval config.Duration `yaml:"spawn_interval"`
	Weapons       []WeaponConfig  `yaml:"weapons"`
}

type WeaponConfig struct {
	Name        string  `yaml:"name"`
	SpawnChance float64 `yaml:"spawn_chance"`
}

type ClusterConfig struct {
	Mode          string            `yaml:"mode"` // local, docker, kubernetes or empty for auto detection
	DefaultBinary string            `yaml:"default_binary"`
	DefaultImage  string            `yaml:"default_image"`
	ConfigDir     string            `yaml:"config_dir"`
	Env           map[string]string `yaml:"env"`
}

// ReplicaSpec describes a headless replica launched next to the host.
type ReplicaSpec struct {
	ID             string            `yaml:"id"`
	Executable     string            `yaml:"executable"`
	ContainerImage string            `yaml:"container_image"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	WalkSpeed      float64           `yaml:"walk_speed"`
	ReportInterval config.Duration   `yaml:"report_interval"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills unset optional values and reports the first invalid one.
// World settings are clamped before they are validated.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		c.ListenAddress = "0.0.0.0"
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 28080
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.HostID == "" {
		c.HostID = "host"
	}
	if c.TickRate <= 0 {
		c.TickRate = config.Duration(50 * time.Millisecond)
	}
	if c.PublicURL == "" {
		c.PublicURL = fmt.Sprintf("ws://127.0.0.1:%d/v1/ws", c.HTTPPort)
	}
	if len(c.World.Biomes) == 0 {
		c.World.Biomes = config.DefaultBiomes()
	}
	c.World.Clamp()
	if err := c.World.Validate(); err != nil {
		return err
	}
	if err := c.validateGameplay(); err != nil {
		return err
	}
	if c.Transport.QueueSize < 0 || c.Transport.ReportLimit < 0 || c.Transport.HTTPRequestLimit < 0 {
		return fmt.Errorf("transport limits cannot be negative")
	}

	switch c.Cluster.Mode {
	case "", "local", "docker", "kubernetes":
	default:
		return fmt.Errorf("cluster.mode must be one of local, docker or kubernetes")
	}
	seen := make(map[string]bool, len(c.Replicas))
	for i, rs := range c.Replicas {
		if rs.ID == "" {
			return fmt.Errorf("replicas[%d].id must be set", i)
		}
		if rs.ID == c.HostID || seen[rs.ID] {
			return fmt.Errorf("replicas[%d].id %q is not unique", i, rs.ID)
		}
		seen[rs.ID] = true
		if rs.WalkSpeed < 0 {
			return fmt.Errorf("replicas[%d].walk_speed cannot be negative", i)
		}
		if rs.Executable == "" && c.Cluster.DefaultBinary != "" {
			c.Replicas[i].Executable = c.Cluster.DefaultBinary
		}
		if rs.ContainerImage == "" && c.Cluster.DefaultImage != "" {
			c.Replicas[i].ContainerImage = c.Cluster.DefaultImage
		}
		if c.Replicas[i].Executable == "" && c.Replicas[i].ContainerImage == "" {
			return fmt.Errorf("replicas[%d] has no executable or container_image and no cluster default", i)
		}
	}
	return nil
}

func (c *Config) validateGameplay() error {
	g := &c.Gameplay
	if g.MaxWeapons < 0 {
		return fmt.Errorf("gameplay.max_weapons cannot be negative")
	}
	if g.SpawnRadius < 0 {
		return fmt.Errorf("gameplay.spawn_radius cannot be negative")
	}
	for i, w := range g.Weapons {
		if w.Name == "" {
			return fmt.Errorf("gameplay.weapons[%d].name must be set", i)
		}
		if w.SpawnChance < 0 || w.SpawnChance > 1 {
			return fmt.Errorf("gameplay.weapons[%d].spawn_chance must be within [0,1]", i)
		}
	}
	return nil
}

// ApplyEnv overrides selected fields from the environment and revalidates.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("WORLDHOST_SEED"); ok && v != "" {
		seed, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("WORLDHOST_SEED: %w", err)
		}
		c.World.Seed = int32(seed)
		c.World.RandomizeSeed = false
	}
	if v, ok := lookup("WORLDHOST_HTTP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORLDHOST_HTTP_PORT: %w", err)
		}
		c.HTTPPort = port
	}
	if v, ok := lookup("WORLDHOST_PUBLIC_URL"); ok && v != "" {
		c.PublicURL = v
	}
	if v, ok := lookup("WORLDHOST_INDEX_PATH"); ok {
		c.Index.Path = v
	}
	return c.Validate()
}

func Default() *Config {
	return &Config{
		ListenAddress:  "0.0.0.0",
		HTTPPort:       28080,
		HostID:         "host",
		TickRate:       config.Duration(50 * time.Millisecond),
		StatusInterval: config.Duration(30 * time.Second),
		World:          config.DefaultWorld(),
		Transport: TransportConfig{
			QueueSize:        256,
			ReportLimit:      120,
			ReportWindow:     config.Duration(time.Second),
			HTTPRequestLimit: 600,
			BacklogBatch:     512,
		},
		Index: IndexConfig{FlushInterval: config.Duration(time.Second)},
		Gameplay: GameplayConfig{
			MaxWeapons:    10,
			SpawnRadius:   20,
			SpawnInterval: config.Duration(time.Second),
			Weapons: []WeaponConfig{
				{Name: "pistol", SpawnChance: 0.6},
				{Name: "rifle", SpawnChance: 0.3},
				{Name: "shotgun", SpawnChance: 0.1},
			},
		},
		Cluster: ClusterConfig{
			DefaultBinary: "./replica",
			ConfigDir:     "replicas",
		},
	}
}

// WriteDefault writes the default configuration to path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
