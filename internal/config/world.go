package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"procworld/internal/biome"
	"procworld/internal/streaming"
)

// MinScale is the floor applied to biome noise and height scales on load.
const MinScale = 0.0001

// WorldConfig is the world block shared by the host and every replica. All
// replicas of one session must run with identical values.
type WorldConfig struct {
	Seed            int32         `json:"seed" yaml:"seed"`
	RandomizeSeed   bool          `json:"randomizeSeed" yaml:"randomize_seed"`
	ChunkSize       int           `json:"chunkSize" yaml:"chunk_size" validate:"gt=0,lte=1024"`
	ViewRadiusX     int           `json:"viewRadiusX" yaml:"view_radius_x" validate:"gte=0,lte=64"`
	ViewRadiusY     int           `json:"viewRadiusY" yaml:"view_radius_y" validate:"gte=0,lte=64"`
	StreamInterval  Duration      `json:"streamInterval" yaml:"stream_interval" validate:"gte=0"`
	BootstrapRadius int           `json:"bootstrapRadius" yaml:"bootstrap_radius" validate:"gte=0,lte=64"`
	Spacing         int           `json:"spacing" yaml:"spacing" validate:"gte=0"`
	ProgressLogging bool          `json:"progressLogging" yaml:"progress_logging"`
	RetryInterval   Duration      `json:"retryInterval" yaml:"retry_interval" validate:"gte=0"`
	RetryMax        Duration      `json:"retryMax" yaml:"retry_max" validate:"gte=0"`
	Biomes          []BiomeConfig `json:"biomes" yaml:"biomes" validate:"required,min=1,dive"`
}

type BiomeConfig struct {
	Name            string             `json:"name" yaml:"name" validate:"required"`
	NoiseScale      float64            `json:"noiseScale" yaml:"noise_scale" validate:"gt=0"`
	HeightScale     float64            `json:"heightScale" yaml:"height_scale" validate:"gt=0"`
	HeightThreshold float64            `json:"heightThreshold" yaml:"height_threshold" validate:"gte=0,lte=1"`
	Color           string             `json:"color" yaml:"color" validate:"required,len=7,hexcolor"`
	SpawnGroups     []SpawnGroupConfig `json:"spawnGroups,omitempty" yaml:"spawn_groups,omitempty" validate:"dive"`
}

type SpawnGroupConfig struct {
	Name       string   `json:"name" yaml:"name" validate:"required"`
	Kinds      []string `json:"kinds" yaml:"kinds" validate:"required,min=1,dive,required"`
	Density    float64  `json:"density" yaml:"density" validate:"gte=0,lte=1"`
	Replicated bool     `json:"replicated" yaml:"replicated"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DefaultWorld returns seed 42, 64 unit chunks and a 5x4 view ellipse.
func DefaultWorld() WorldConfig {
	return WorldConfig{
		Seed:            42,
		ChunkSize:       64,
		ViewRadiusX:     5,
		ViewRadiusY:     4,
		StreamInterval:  Duration(100 * time.Millisecond),
		BootstrapRadius: 5,
		Spacing:         4,
		RetryInterval:   Duration(500 * time.Millisecond),
		RetryMax:        Duration(8 * time.Second),
		Biomes:          DefaultBiomes(),
	}
}

// Clamp pulls biome parameters into their usable range: scales get a small
// positive floor, thresholds and densities are limited to [0, 1]. A density
// of 0 stays 0 and places nothing. NaN values are left for Validate.
func (w *WorldConfig) Clamp() {
	for i := range w.Biomes {
		b := &w.Biomes[i]
		b.NoiseScale = floor(b.NoiseScale, MinScale)
		b.HeightScale = floor(b.HeightScale, MinScale)
		b.HeightThreshold = clamp(b.HeightThreshold, 0, 1)
		for j := range b.SpawnGroups {
			g := &b.SpawnGroups[j]
			g.Density = clamp(g.Density, 0, 1)
		}
	}
}

func floor(v, min float64) float64 {
	if math.IsNaN(v) || v >= min {
		return v
	}
	return min
}

func clamp(v, min, max float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	return math.Max(min, math.Min(max, v))
}

func (w *WorldConfig) Validate() error {
	return structError("world", validate.Struct(w))
}

// structError flattens validator output into one error per failed field,
// named by the JSON path below prefix.
func structError(prefix string, err error) error {
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return err
	}
	errs := make([]error, 0, len(fields))
	for _, fe := range fields {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		if prefix != "" {
			path = prefix + "." + path
		}
		if fe.Param() != "" {
			errs = append(errs, fmt.Errorf("%s failed %s=%s", path, fe.Tag(), fe.Param()))
		} else {
			errs = append(errs, fmt.Errorf("%s failed %s", path, fe.Tag()))
		}
	}
	return errors.Join(errs...)
}

// BiomeSet converts the configured biomes for the classifier.
func (w WorldConfig) BiomeSet() []biome.Biome {
	out := make([]biome.Biome, 0, len(w.Biomes))
	for _, b := range w.Biomes {
		groups := make([]biome.SpawnGroup, 0, len(b.SpawnGroups))
		for _, g := range b.SpawnGroups {
			groups = append(groups, biome.SpawnGroup{
				Name:       g.Name,
				Kinds:      append([]string(nil), g.Kinds...),
				Density:    g.Density,
				Replicated: g.Replicated,
			})
		}
		out = append(out, biome.Biome{
			Name:            b.Name,
			NoiseScale:      b.NoiseScale,
			HeightScale:     b.HeightScale,
			HeightThreshold: b.HeightThreshold,
			Color:           b.Color,
			SpawnGroups:     groups,
		})
	}
	return out
}

func (w WorldConfig) Streaming() streaming.Settings {
	return streaming.Settings{
		ChunkSize:       w.ChunkSize,
		RadiusX:         w.ViewRadiusX,
		RadiusY:         w.ViewRadiusY,
		MinInterval:     w.StreamInterval.Duration(),
		BootstrapRadius: w.BootstrapRadius,
	}
}
