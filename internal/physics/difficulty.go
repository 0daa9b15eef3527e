package physics

import (
	"fmt"
	"strings"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty accepts the lowercase tier names; empty means medium.
func ParseDifficulty(raw string) (Difficulty, error) {
	switch Difficulty(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DifficultyMedium:
		return DifficultyMedium, nil
	case DifficultyEasy:
		return DifficultyEasy, nil
	case DifficultyHard:
		return DifficultyHard, nil
	default:
		return "", fmt.Errorf("unknown difficulty %q", raw)
	}
}

// RequiresStake reports whether non-practice games at this tier need a
// verified deposit before a player may join.
func (d Difficulty) RequiresStake() bool {
	return d == DifficultyMedium || d == DifficultyHard
}

// Material holds the per-tier body and contact presets.
type Material struct {
	Friction       float64
	Restitution    float64
	Mass           float64
	LinearDamping  float64
	AngularDamping float64
	// ImpactTolerance is the relative landing speed above which a block
	// loses its footing instead of settling.
	ImpactTolerance float64
	LockedTopLayers int
}

var presets = map[Difficulty]Material{
	DifficultyEasy: {
		Friction:        0.7,
		Restitution:     0.05,
		Mass:            1.2,
		LinearDamping:   0.2,
		AngularDamping:  0.3,
		ImpactTolerance: 4.5,
		LockedTopLayers: 3,
	},
	DifficultyMedium: {
		Friction:        0.55,
		Restitution:     0.1,
		Mass:            1.0,
		LinearDamping:   0.1,
		AngularDamping:  0.2,
		ImpactTolerance: 3.0,
		LockedTopLayers: 2,
	},
	DifficultyHard: {
		Friction:        0.4,
		Restitution:     0.15,
		Mass:            0.8,
		LinearDamping:   0.05,
		AngularDamping:  0.1,
		ImpactTolerance: 2.5,
		LockedTopLayers: 1,
	},
}

// Preset returns the material for d, falling back to medium.
func Preset(d Difficulty) Material {
	if m, ok := presets[d]; ok {
		return m
	}
	return presets[DifficultyMedium]
}
