package session

import (
	"fmt"
	"time"

	"tower-arena/server/internal/physics"
	"tower-arena/server/internal/reconnect"
	"tower-arena/server/internal/turn"
)

const (
	DefaultMaxPlayers = 7
	DefaultMinPlayers = 2
	MaxPlayersLimit   = 7
)

type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusActive    Status = "ACTIVE"
	StatusEnded     Status = "ENDED"
	StatusCollapsed Status = "COLLAPSED"
)

func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusCollapsed
}

// Config is fixed when a session is created.
type Config struct {
	MaxPlayers int                `json:"maxPlayers"`
	MinPlayers int                `json:"minPlayers"`
	Difficulty physics.Difficulty `json:"difficulty"`
	Stake      int64              `json:"stake"`
	Practice   bool               `json:"isPractice"`

	TurnDuration      time.Duration `json:"-"`
	GracePeriod       time.Duration `json:"-"`
	CollapseThreshold float64       `json:"-"`
	EndTurnOnMove     bool          `json:"-"`
	Layers            int           `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		MaxPlayers:        DefaultMaxPlayers,
		MinPlayers:        DefaultMinPlayers,
		Difficulty:        physics.DifficultyMedium,
		TurnDuration:      turn.DefaultTurnDuration,
		GracePeriod:       reconnect.DefaultGracePeriod,
		CollapseThreshold: physics.DefaultCollapseThreshold,
		Layers:            physics.DefaultLayers,
	}
}

// Normalize fills zero values from DefaultConfig and rejects impossible
// settings.
func (c Config) Normalize() (Config, error) {
	def := DefaultConfig()
	if c.MaxPlayers == 0 {
		c.MaxPlayers = def.MaxPlayers
	}
	if c.MinPlayers == 0 {
		c.MinPlayers = def.MinPlayers
	}
	if c.Difficulty == "" {
		c.Difficulty = def.Difficulty
	}
	if c.TurnDuration <= 0 {
		c.TurnDuration = def.TurnDuration
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.CollapseThreshold <= 0 {
		c.CollapseThreshold = def.CollapseThreshold
	}
	if c.Layers <= 0 {
		c.Layers = def.Layers
	}

	if c.MaxPlayers < 2 || c.MaxPlayers > MaxPlayersLimit {
		return c, fmt.Errorf("max players must be between 2 and %d, got %d", MaxPlayersLimit, c.MaxPlayers)
	}
	if c.MinPlayers < 2 || c.MinPlayers > c.MaxPlayers {
		return c, fmt.Errorf("min players must be between 2 and %d, got %d", c.MaxPlayers, c.MinPlayers)
	}
	difficulty, err := physics.ParseDifficulty(string(c.Difficulty))
	if err != nil {
		return c, err
	}
	c.Difficulty = difficulty
	if c.Stake < 0 {
		return c, fmt.Errorf("stake must not be negative, got %d", c.Stake)
	}
	if c.CollapseThreshold > 1 {
		return c, fmt.Errorf("collapse threshold must be at most 1, got %v", c.CollapseThreshold)
	}
	return c, nil
}

// RequiresPayment reports whether joiners must have a verified deposit.
func (c Config) RequiresPayment() bool {
	return !c.Practice && c.Stake > 0 && c.Difficulty.RequiresStake()
}
