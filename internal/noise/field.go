package noise

import (
	"errors"
	"fmt"
	"math"

	perlin "github.com/aquilax/go-perlin"
)

var (
	// ErrUnsetSeed is returned when a field is requested for the reserved zero seed.
	ErrUnsetSeed = errors.New("noise: seed 0 is reserved as unset")
	// ErrInvalidParams flags a non-positive or non-finite noise or height scale.
	ErrInvalidParams = errors.New("noise: invalid biome parameters")
	// ErrNonFinite flags a sample that produced NaN or Inf.
	ErrNonFinite = errors.New("noise: non-finite sample")
)

var (
	octaveFrequencies = [3]float64{1, 2, 4}
	octaveWeights     = [3]float64{0.5, 0.3, 0.2}
)

// Params are the per-biome inputs of the height field.
type Params struct {
	Scale       float64
	HeightScale float64
}

// Validate reports whether the parameters can drive the field.
func (p Params) Validate() error {
	if !(p.Scale > 0) || math.IsInf(p.Scale, 0) {
		return fmt.Errorf("%w: scale %v must be positive and finite", ErrInvalidParams, p.Scale)
	}
	if !(p.HeightScale > 0) || math.IsInf(p.HeightScale, 0) {
		return fmt.Errorf("%w: height scale %v must be positive and finite", ErrInvalidParams, p.HeightScale)
	}
	return nil
}

// Field is a seeded coherent 2-D noise source. Two fields built from the same
// seed return bit-identical samples.
type Field struct {
	seed   int32
	offset float64
	gen    *perlin.Perlin
}

func NewField(seed int32) (*Field, error) {
	if seed == 0 {
		return nil, ErrUnsetSeed
	}
	return &Field{
		seed:   seed,
		offset: float64(seed) * 0.01,
		// One octave per call; the octave stack is assembled in Height.
		gen: perlin.NewPerlin(2, 2, 1, int64(seed)),
	}, nil
}

func (f *Field) Seed() int32 {
	return f.seed
}

// Sample returns a single octave of noise at the given sample-space
// coordinates mapped into [0,1].
func (f *Field) Sample(x, z float64) float64 {
	n := (f.gen.Noise2D(x, z) + 1) * 0.5
	return clamp01(n)
}

// Height returns the three-octave height for a world position using the
// provided biome parameters.
func (f *Field) Height(x, z float64, p Params) (float64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if err := checkCoords(x, z); err != nil {
		return 0, err
	}
	sx := (x + f.offset) * p.Scale
	sz := (z + f.offset) * p.Scale
	var total float64
	for i, freq := range octaveFrequencies {
		total += f.Sample(sx*freq, sz*freq) * octaveWeights[i]
	}
	h := total * p.HeightScale
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0, fmt.Errorf("%w: height at (%v, %v)", ErrNonFinite, x, z)
	}
	return h, nil
}

// HeightNormalized samples the first octave of the reference parameters and
// clamps the result into [0,1]. It drives biome selection.
func (f *Field) HeightNormalized(x, z float64, ref Params) (float64, error) {
	if err := ref.Validate(); err != nil {
		return 0, err
	}
	if err := checkCoords(x, z); err != nil {
		return 0, err
	}
	n := f.Sample((x+f.offset)*ref.Scale, (z+f.offset)*ref.Scale)
	if math.IsNaN(n) {
		return 0, fmt.Errorf("%w: normalized height at (%v, %v)", ErrNonFinite, x, z)
	}
	return n, nil
}

func checkCoords(x, z float64) error {
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(z) || math.IsInf(z, 0) {
		return fmt.Errorf("%w: coordinates (%v, %v)", ErrNonFinite, x, z)
	}
	return nil
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
