// Package reconnect tracks players whose connection dropped and the grace
// window they have to come back.
package reconnect

import (
	"sort"
	"time"

	"tower-arena/server/internal/telemetry"
	"tower-arena/server/logging"
)

const DefaultGracePeriod = 30 * time.Second

type Config struct {
	GracePeriod time.Duration
	Clock       logging.Clock
	Logger      telemetry.Logger
}

func DefaultConfig() Config {
	return Config{GracePeriod: DefaultGracePeriod}
}

// Record is one absent player.
type Record struct {
	Player         string
	DisconnectedAt time.Time
	Reason         string
}

// Tracker is owned by one session and is not safe for concurrent use.
type Tracker struct {
	grace   time.Duration
	clock   logging.Clock
	logger  telemetry.Logger
	records map[string]Record
}

func New(cfg Config) *Tracker {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	return &Tracker{
		grace:   cfg.GracePeriod,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		records: make(map[string]Record),
	}
}

func (t *Tracker) GracePeriod() time.Duration { return t.grace }

// MarkDisconnected opens a grace window. Marking an already absent player
// keeps the original timestamp and returns false.
func (t *Tracker) MarkDisconnected(player, reason string) bool {
	if _, ok := t.records[player]; ok {
		t.logger.Printf("reconnect: %s already marked disconnected", player)
		return false
	}
	t.records[player] = Record{Player: player, DisconnectedAt: t.clock.Now(), Reason: reason}
	return true
}

// MarkReconnected clears the player's record and reports whether one existed.
func (t *Tracker) MarkReconnected(player string) bool {
	if _, ok := t.records[player]; !ok {
		return false
	}
	delete(t.records, player)
	return true
}

// Forget drops a record without treating it as a reconnection.
func (t *Tracker) Forget(player string) {
	delete(t.records, player)
}

func (t *Tracker) IsDisconnected(player string) bool {
	_, ok := t.records[player]
	return ok
}

// ExpiredPlayers lists players whose grace window has elapsed, oldest first.
// Records are left in place; the caller removes them.
func (t *Tracker) ExpiredPlayers() []Record {
	now := t.clock.Now()
	var out []Record
	for _, rec := range t.records {
		if now.Sub(rec.DisconnectedAt) >= t.grace {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisconnectedAt.Equal(out[j].DisconnectedAt) {
			return out[i].Player < out[j].Player
		}
		return out[i].DisconnectedAt.Before(out[j].DisconnectedAt)
	})
	return out
}

// TimeRemaining is zero for untracked or expired players.
func (t *Tracker) TimeRemaining(player string) time.Duration {
	rec, ok := t.records[player]
	if !ok {
		return 0
	}
	left := t.grace - t.clock.Now().Sub(rec.DisconnectedAt)
	if left < 0 {
		return 0
	}
	return left
}

func (t *Tracker) Len() int { return len(t.records) }
