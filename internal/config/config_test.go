package config

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"procworld/internal/biome"
	"procworld/internal/noise"
	"procworld/internal/terrain"
	"procworld/internal/world"
)

func TestValidateDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration should be valid: %v", err)
	}
}

func TestValidateDetectsInvalidConfigurations(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing replica id",
			mutate:  func(cfg *Config) { cfg.Replica.ID = "" },
			wantErr: "replica.id failed required",
		},
		{
			name:    "host url is not a url",
			mutate:  func(cfg *Config) { cfg.Replica.HostURL = "localhost" },
			wantErr: "replica.hostUrl failed url",
		},
		{
			name:    "zero tick rate",
			mutate:  func(cfg *Config) { cfg.Replica.TickRate = 0 },
			wantErr: "replica.tickRate failed gt=0",
		},
		{
			name:    "non positive chunk size",
			mutate:  func(cfg *Config) { cfg.World.ChunkSize = 0 },
			wantErr: "world.chunkSize failed gt=0",
		},
		{
			name:    "negative view radius",
			mutate:  func(cfg *Config) { cfg.World.ViewRadiusY = -1 },
			wantErr: "world.viewRadiusY failed gte=0",
		},
		{
			name:    "no biomes",
			mutate:  func(cfg *Config) { cfg.World.Biomes = nil },
			wantErr: "world.biomes failed required",
		},
		{
			name:    "short color",
			mutate:  func(cfg *Config) { cfg.World.Biomes[0].Color = "#fff" },
			wantErr: "world.biomes[0].color failed len=7",
		},
		{
			name:    "spawn group without kinds",
			mutate:  func(cfg *Config) { cfg.World.Biomes[1].SpawnGroups[0].Kinds = nil },
			wantErr: "world.biomes[1].spawnGroups[0].kinds failed required",
		},
		{
			name: "retry cap below interval",
			mutate: func(cfg *Config) {
				cfg.World.RetryInterval = Duration(2 * time.Second)
				cfg.World.RetryMax = Duration(time.Second)
			},
			wantErr: "world.retryMax must be >= retryInterval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("unexpected error: got %q want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadReadsFileAndValidates(t *testing.T) {
	cfg := Default()
	cfg.Replica.ID = "replica-7"
	cfg.Replica.TickRate = Duration(20 * time.Millisecond)
	cfg.World.ChunkSize = 32

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loaded.Replica.ID != "replica-7" || loaded.World.ChunkSize != 32 {
		t.Fatalf("unexpected config %+v", loaded.Replica)
	}
	if loaded.Replica.TickRate.Duration() != 20*time.Millisecond {
		t.Fatalf("tick rate = %s", loaded.Replica.TickRate)
	}
}

func TestLoadClampsBiomeParameters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
  "world": {
    "chunkSize": 16,
    "biomes": [
      {"name": "flat", "noiseScale": 0, "heightScale": -3, "heightThreshold": 2, "color": "#112233",
       "spawnGroups": [{"name": "rocks", "kinds": ["rock"], "density": 0}]}
    ]
  }
}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.World.Biomes) != 1 {
		t.Fatalf("biomes from file should replace the defaults, got %d", len(cfg.World.Biomes))
	}
	b := cfg.World.Biomes[0]
	if b.NoiseScale != MinScale || b.HeightScale != MinScale {
		t.Fatalf("scales not clamped: %+v", b)
	}
	if b.HeightThreshold != 1 {
		t.Fatalf("threshold = %v, want 1", b.HeightThreshold)
	}
	if b.SpawnGroups[0].Density != 0 {
		t.Fatalf("density = %v, want 0", b.SpawnGroups[0].Density)
	}
	if cfg.Replica.ID != Default().Replica.ID {
		t.Fatalf("missing sections should keep defaults")
	}
}

type noWriter struct{}

func (noWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLoadedZeroDensityGroupPlacesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
  "world": {
    "chunkSize": 16,
    "spacing": 4,
    "biomes": [
      {"name": "plains", "noiseScale": 0.02, "heightScale": 8, "heightThreshold": 0, "color": "#88AA55",
       "spawnGroups": [
         {"name": "off", "kinds": ["rock"], "density": 0},
         {"name": "on", "kinds": ["tree"], "density": 1}
       ]}
    ]
  }
}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b := cfg.World.Biomes[0]
	if b.HeightThreshold != 0 || b.SpawnGroups[0].Density != 0 {
		t.Fatalf("zero values changed on load: threshold=%v density=%v", b.HeightThreshold, b.SpawnGroups[0].Density)
	}

	field, err := noise.NewField(42)
	if err != nil {
		t.Fatalf("new field: %v", err)
	}
	classifier, err := biome.NewClassifier(field, cfg.World.BiomeSet())
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	gen, err := terrain.NewGenerator(terrain.Settings{ChunkSize: cfg.World.ChunkSize, Spacing: cfg.World.Spacing}, classifier, nil, nil, log.New(noWriter{}, "", 0))
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}

	placed := map[string]int{}
	for x := -2; x < 2; x++ {
		for y := -2; y < 2; y++ {
			chunk, err := gen.Generate(context.Background(), world.ChunkCoord{X: x, Y: y})
			if err != nil {
				t.Fatalf("generate (%d,%d): %v", x, y, err)
			}
			for _, p := range chunk.Placements {
				placed[p.Group]++
			}
		}
	}
	if placed["off"] != 0 {
		t.Fatalf("density-0 group placed %d objects", placed["off"])
	}
	if placed["on"] == 0 {
		t.Fatalf("density-1 group placed nothing")
	}
}

func TestLoadInvalidConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"replica":{"id":""}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "validate config: replica.id failed required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDurationAcceptsStringsAndNumbers(t *testing.T) {
	var d struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
		C Duration `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":"150ms","b":2000000,"c":""}`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.A.Duration() != 150*time.Millisecond || d.B.Duration() != 2*time.Millisecond || d.C != 0 {
		t.Fatalf("unexpected durations %v %v %v", d.A, d.B, d.C)
	}
	if err := json.Unmarshal([]byte(`{"a":"soon"}`), &d); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"REPLICA_ID":              "replica-env",
		"REPLICA_HOST_URL":        "ws://host:9000/v1/ws",
		"REPLICA_REPORT_INTERVAL": "0s",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Replica.ID != "replica-env" || cfg.Replica.HostURL != "ws://host:9000/v1/ws" || cfg.Replica.ReportInterval != 0 {
		t.Fatalf("overrides not applied: %+v", cfg.Replica)
	}

	env["REPLICA_WALK_SPEED"] = "fast"
	if err := Default().ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}); err == nil {
		t.Fatalf("expected parse error for walk speed")
	}
}

func TestBiomeSetAndStreamingSettings(t *testing.T) {
	w := DefaultWorld()
	set := w.BiomeSet()
	if len(set) != len(w.Biomes) {
		t.Fatalf("got %d biomes", len(set))
	}
	if set[1].SpawnGroups[0].Name != "trees" || !set[1].SpawnGroups[0].Replicated {
		t.Fatalf("spawn groups not converted: %+v", set[1].SpawnGroups)
	}
	s := w.Streaming()
	if s.ChunkSize != 64 || s.RadiusX != 5 || s.RadiusY != 4 {
		t.Fatalf("unexpected streaming settings %+v", s)
	}
}
