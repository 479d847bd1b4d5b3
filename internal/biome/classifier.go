package biome

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/noise"
)

// ErrNoBiomes is returned when a classifier is built without any biome.
var ErrNoBiomes = errors.New("biome: no biomes configured")

// Classifier maps world positions to per-biome blend weights. Biomes are kept
// in ascending threshold order; every weight slice it returns is aligned with
// Biomes().
type Classifier struct {
	field     *noise.Field
	biomes    []Biome
	reference noise.Params
	palette   []mgl64.Vec3
}

// NewClassifier sorts the biomes by threshold and validates every biome's
// noise parameters up front. The first biome in the supplied order acts as the
// reference profile for normalized height sampling.
func NewClassifier(field *noise.Field, biomes []Biome) (*Classifier, error) {
	if field == nil {
		return nil, errors.New("biome: noise field is nil")
	}
	if len(biomes) == 0 {
		return nil, ErrNoBiomes
	}

	sorted := append([]Biome(nil), biomes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].HeightThreshold < sorted[j].HeightThreshold
	})

	palette := make([]mgl64.Vec3, len(sorted))
	for i, b := range sorted {
		if err := b.Params().Validate(); err != nil {
			return nil, fmt.Errorf("biome %q: %w", b.Name, err)
		}
		if b.HeightThreshold < 0 || b.HeightThreshold > 1 {
			return nil, fmt.Errorf("biome %q: height threshold %v outside [0,1]", b.Name, b.HeightThreshold)
		}
		color, err := ParseColor(b.Color)
		if err != nil {
			return nil, fmt.Errorf("biome %q: %w", b.Name, err)
		}
		palette[i] = color
	}

	return &Classifier{
		field:     field,
		biomes:    sorted,
		reference: biomes[0].Params(),
		palette:   palette,
	}, nil
}

func (c *Classifier) Biomes() []Biome {
	return c.biomes
}

func (c *Classifier) Field() *noise.Field {
	return c.field
}

// Weights returns the blend weights at a world position.
func (c *Classifier) Weights(x, z float64) ([]float64, error) {
	h, err := c.field.HeightNormalized(x, z, c.reference)
	if err != nil {
		return nil, err
	}
	return c.WeightsAt(h), nil
}

// WeightsAt returns the blend weights for a normalized height. Below the first
// threshold the first biome takes full weight, beyond the last threshold the
// last one does; in between the two bracketing biomes are blended linearly.
func (c *Classifier) WeightsAt(h float64) []float64 {
	weights := make([]float64, len(c.biomes))
	if len(c.biomes) == 1 {
		weights[0] = 1
		return weights
	}

	upper := -1
	for i, b := range c.biomes {
		if h < b.HeightThreshold {
			upper = i
			break
		}
	}

	switch upper {
	case -1:
		weights[len(weights)-1] = 1
	case 0:
		weights[0] = 1
	default:
		lo := c.biomes[upper-1].HeightThreshold
		hi := c.biomes[upper].HeightThreshold
		t := 1.0
		if hi > lo {
			t = (h - lo) / (hi - lo)
		}
		t = clamp01(t)
		weights[upper-1] = 1 - t
		weights[upper] = t
	}
	return normalize(weights)
}

// HeightWeighted blends every biome's own height profile by its weight.
func (c *Classifier) HeightWeighted(x, z float64) (float64, error) {
	weights, err := c.Weights(x, z)
	if err != nil {
		return 0, err
	}
	return c.heightFor(x, z, weights)
}

// Sample returns both the weights and the blended height at a position so
// mesh building does not sample the reference octave twice.
func (c *Classifier) Sample(x, z float64) ([]float64, float64, error) {
	weights, err := c.Weights(x, z)
	if err != nil {
		return nil, 0, err
	}
	h, err := c.heightFor(x, z, weights)
	if err != nil {
		return nil, 0, err
	}
	return weights, h, nil
}

func (c *Classifier) heightFor(x, z float64, weights []float64) (float64, error) {
	var total float64
	for i, w := range weights {
		if w == 0 {
			continue
		}
		h, err := c.field.Height(x, z, c.biomes[i].Params())
		if err != nil {
			return 0, fmt.Errorf("biome %q: %w", c.biomes[i].Name, err)
		}
		total += h * w
	}
	return total, nil
}

// Color blends the biome palette with the supplied weights.
func (c *Classifier) Color(weights []float64) mgl64.Vec3 {
	var out mgl64.Vec3
	for i, w := range weights {
		if i >= len(c.palette) {
			break
		}
		out = out.Add(c.palette[i].Mul(w))
	}
	return out
}

func normalize(weights []float64) []float64 {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return weights
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
