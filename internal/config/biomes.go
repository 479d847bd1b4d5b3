package config

// DefaultBiomes returns the biome table used when a configuration file does
// not supply one. Trees and rocks are shared between replicas, grass and
// shells are purely decorative.
func DefaultBiomes() []BiomeConfig {
	return []BiomeConfig{
		{
			Name:            "shore",
			NoiseScale:      0.02,
			HeightScale:     6,
			HeightThreshold: 0.3,
			Color:           "#C2B280",
			SpawnGroups: []SpawnGroupConfig{
				{Name: "shells", Kinds: []string{"shell", "driftwood"}, Density: 0.02},
			},
		},
		{
			Name:            "meadow",
			NoiseScale:      0.015,
			HeightScale:     14,
			HeightThreshold: 0.55,
			Color:           "#5B8C3A",
			SpawnGroups: []SpawnGroupConfig{
				{Name: "trees", Kinds: []string{"oak", "birch"}, Density: 0.04, Replicated: true},
				{Name: "grass", Kinds: []string{"grass_tuft", "flower"}, Density: 0.2},
			},
		},
		{
			Name:            "forest",
			NoiseScale:      0.012,
			HeightScale:     22,
			HeightThreshold: 0.75,
			Color:           "#2E5E2A",
			SpawnGroups: []SpawnGroupConfig{
				{Name: "trees", Kinds: []string{"pine", "spruce", "oak"}, Density: 0.12, Replicated: true},
				{Name: "rocks", Kinds: []string{"boulder"}, Density: 0.02, Replicated: true},
			},
		},
		{
			Name:            "mountain",
			NoiseScale:      0.008,
			HeightScale:     48,
			HeightThreshold: 1,
			Color:           "#8A8A8A",
			SpawnGroups: []SpawnGroupConfig{
				{Name: "rocks", Kinds: []string{"boulder", "crag"}, Density: 0.06, Replicated: true},
			},
		},
	}
}
