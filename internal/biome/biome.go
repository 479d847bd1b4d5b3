package biome

import (
	"fmt"
	"strconv"

	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/noise"
)

// SpawnGroup is a set of candidate object kinds sharing one spawn density.
// Replicated groups track interactions in the shared ledger, the rest in the
// client-local ledger.
type SpawnGroup struct {
	Name       string
	Kinds      []string
	Density    float64
	Replicated bool
}

// Biome is a named terrain profile selected by normalized height.
type Biome struct {
	Name            string
	NoiseScale      float64
	HeightScale     float64
	HeightThreshold float64
	Color           string
	SpawnGroups     []SpawnGroup
}

func (b Biome) Params() noise.Params {
	return noise.Params{Scale: b.NoiseScale, HeightScale: b.HeightScale}
}

// ParseColor decodes a "#RRGGBB" string into linear [0,1] channels.
func ParseColor(s string) (mgl64.Vec3, error) {
	if !IsHexColor(s) {
		return mgl64.Vec3{}, fmt.Errorf("invalid hex color %q", s)
	}
	var out mgl64.Vec3
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseUint(s[1+i*2:3+i*2], 16, 8)
		if err != nil {
			return mgl64.Vec3{}, fmt.Errorf("parse color %q: %w", s, err)
		}
		out[i] = float64(v) / 255
	}
	return out, nil
}

func IsHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, ch := range s[1:] {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}
