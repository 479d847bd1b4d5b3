package noise

import (
	"errors"
	"math"
	"testing"
)

func TestNewFieldRejectsUnsetSeed(t *testing.T) {
	if _, err := NewField(0); !errors.Is(err, ErrUnsetSeed) {
		t.Fatalf("expected ErrUnsetSeed, got %v", err)
	}
}

func TestHeightIsDeterministicAcrossFields(t *testing.T) {
	params := Params{Scale: 0.01, HeightScale: 10}
	a, err := NewField(42)
	if err != nil {
		t.Fatalf("new field: %v", err)
	}
	b, err := NewField(42)
	if err != nil {
		t.Fatalf("new field: %v", err)
	}

	for _, pt := range [][2]float64{{0, 0}, {13.5, -7.25}, {-640, 1280}, {1e4, 3}} {
		ha, err := a.Height(pt[0], pt[1], params)
		if err != nil {
			t.Fatalf("height a: %v", err)
		}
		hb, err := b.Height(pt[0], pt[1], params)
		if err != nil {
			t.Fatalf("height b: %v", err)
		}
		if math.Float64bits(ha) != math.Float64bits(hb) {
			t.Fatalf("height mismatch at %v: %v vs %v", pt, ha, hb)
		}
		if ha < 0 || ha > params.HeightScale {
			t.Fatalf("height %v outside [0,%v]", ha, params.HeightScale)
		}
	}
}

func TestHeightNormalizedWithinUnitRange(t *testing.T) {
	field, err := NewField(-77)
	if err != nil {
		t.Fatalf("new field: %v", err)
	}
	ref := Params{Scale: 0.05, HeightScale: 1}
	for x := -50.0; x <= 50; x += 7.3 {
		for z := -50.0; z <= 50; z += 5.1 {
			h, err := field.HeightNormalized(x, z, ref)
			if err != nil {
				t.Fatalf("normalized height: %v", err)
			}
			if h < 0 || h > 1 {
				t.Fatalf("normalized height %v outside [0,1] at (%v,%v)", h, x, z)
			}
		}
	}
}

func TestHeightFailsFastOnDegenerateInput(t *testing.T) {
	field, err := NewField(7)
	if err != nil {
		t.Fatalf("new field: %v", err)
	}

	tests := []struct {
		name   string
		x, z   float64
		params Params
		want   error
	}{
		{name: "zero scale", params: Params{Scale: 0, HeightScale: 1}, want: ErrInvalidParams},
		{name: "negative scale", params: Params{Scale: -1, HeightScale: 1}, want: ErrInvalidParams},
		{name: "nan scale", params: Params{Scale: math.NaN(), HeightScale: 1}, want: ErrInvalidParams},
		{name: "zero height scale", params: Params{Scale: 0.1, HeightScale: 0}, want: ErrInvalidParams},
		{name: "infinite coordinate", x: math.Inf(1), params: Params{Scale: 0.1, HeightScale: 1}, want: ErrNonFinite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := field.Height(tt.x, tt.z, tt.params); !errors.Is(err, tt.want) {
				t.Fatalf("Height() error = %v, want %v", err, tt.want)
			}
			if _, err := field.HeightNormalized(tt.x, tt.z, tt.params); !errors.Is(err, tt.want) {
				t.Fatalf("HeightNormalized() error = %v, want %v", err, tt.want)
			}
		})
	}
}
