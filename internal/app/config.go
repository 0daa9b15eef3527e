package app

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"tower-arena/server/internal/net/ws"
	"tower-arena/server/internal/oracle"
	"tower-arena/server/internal/physics"
	"tower-arena/server/internal/registry"
	"tower-arena/server/internal/session"
	"tower-arena/server/logging"
)

const (
	OracleModeNone   = "none"
	OracleModeRPC    = "rpc"
	OracleModeSQLite = "sqlite"
)

// Config holds server process configuration.
type Config struct {
	Addr      string `env:"TOWER_ADDR"       envDefault:":8080"`
	ClientDir string `env:"TOWER_CLIENT_DIR"`

	LogLevel    string   `env:"TOWER_LOG_LEVEL"     envDefault:"info"`
	LogSinks    []string `env:"TOWER_LOG_SINKS"     envDefault:"console" envSeparator:","`
	LogJSONPath string   `env:"TOWER_LOG_JSON_PATH" envDefault:"tower-events.jsonl"`
	Development bool     `env:"TOWER_DEV"`

	TickRate      int           `env:"TOWER_TICK_RATE"      envDefault:"60"`
	BroadcastRate int           `env:"TOWER_BROADCAST_RATE" envDefault:"20"`
	SessionLinger time.Duration `env:"TOWER_SESSION_LINGER" envDefault:"2m"`
	MaxSessions   int           `env:"TOWER_MAX_SESSIONS"   envDefault:"1024"`

	TurnDuration      time.Duration `env:"TOWER_TURN_DURATION"      envDefault:"30s"`
	GracePeriod       time.Duration `env:"TOWER_GRACE_PERIOD"       envDefault:"30s"`
	CollapseThreshold float64       `env:"TOWER_COLLAPSE_THRESHOLD" envDefault:"0.4"`
	MinPlayers        int           `env:"TOWER_MIN_PLAYERS"        envDefault:"2"`
	MaxPlayers        int           `env:"TOWER_MAX_PLAYERS"        envDefault:"7"`
	Difficulty        string        `env:"TOWER_DIFFICULTY"         envDefault:"medium"`
	EndTurnOnMove     bool          `env:"TOWER_END_TURN_ON_MOVE"`

	MessageRate  float64 `env:"TOWER_MESSAGE_RATE"  envDefault:"20"`
	MessageBurst int     `env:"TOWER_MESSAGE_BURST" envDefault:"40"`

	OracleMode      string        `env:"TOWER_ORACLE_MODE"       envDefault:"none"`
	OracleEndpoint  string        `env:"TOWER_ORACLE_ENDPOINT"`
	OracleAPIKey    string        `env:"TOWER_ORACLE_API_KEY"`
	OracleDBPath    string        `env:"TOWER_ORACLE_DB"         envDefault:"tower-ledger.db"`
	OracleRetries   int           `env:"TOWER_ORACLE_RETRIES"    envDefault:"3"`
	OracleBaseDelay time.Duration `env:"TOWER_ORACLE_BASE_DELAY" envDefault:"1s"`
	OracleTimeout   time.Duration `env:"TOWER_ORACLE_TIMEOUT"    envDefault:"10s"`

	OTelEndpoint    string        `env:"TOWER_OTEL_ENDPOINT"`
	OTelSampleRatio float64       `env:"TOWER_OTEL_SAMPLE_RATIO" envDefault:"1"`
	EnablePprof     bool          `env:"TOWER_ENABLE_PPROF"`
	ShutdownTimeout time.Duration `env:"TOWER_SHUTDOWN_TIMEOUT"  envDefault:"15s"`
}

// ParseConfig loads Config from the environment, then applies flag overrides.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	sinks := strings.Join(cfg.LogSinks, ",")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.ClientDir, "client-dir", cfg.ClientDir, "static client directory served at /")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "minimum event severity (debug, info, warn, error)")
	fs.StringVar(&sinks, "log-sinks", sinks, "comma separated event sinks (console, json, zap)")
	fs.BoolVar(&cfg.Development, "dev", cfg.Development, "use a development zap logger")
	fs.IntVar(&cfg.TickRate, "tick-rate", cfg.TickRate, "simulation ticks per second")
	fs.IntVar(&cfg.BroadcastRate, "broadcast-rate", cfg.BroadcastRate, "physics broadcasts per second")
	fs.DurationVar(&cfg.TurnDuration, "turn-duration", cfg.TurnDuration, "time allowed per turn")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "reconnect window after a disconnect")
	fs.StringVar(&cfg.Difficulty, "difficulty", cfg.Difficulty, "default difficulty for matchmaking sessions")
	fs.BoolVar(&cfg.EndTurnOnMove, "end-turn-on-move", cfg.EndTurnOnMove, "end the turn as soon as a move is accepted")
	fs.StringVar(&cfg.OracleMode, "oracle", cfg.OracleMode, "oracle backend (none, rpc, sqlite)")
	fs.StringVar(&cfg.OracleEndpoint, "oracle-endpoint", cfg.OracleEndpoint, "JSON-RPC endpoint for the rpc oracle")
	fs.StringVar(&cfg.OracleDBPath, "oracle-db", cfg.OracleDBPath, "database path for the sqlite oracle")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP trace endpoint; empty disables tracing")
	fs.BoolVar(&cfg.EnablePprof, "pprof", cfg.EnablePprof, "mount /debug/pprof")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.LogSinks = splitList(sinks)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.OracleMode {
	case OracleModeNone, OracleModeSQLite:
	case OracleModeRPC:
		if c.OracleEndpoint == "" {
			return fmt.Errorf("oracle mode %q requires an endpoint", c.OracleMode)
		}
	default:
		return fmt.Errorf("unknown oracle mode %q", c.OracleMode)
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("tick rate must be positive, got %d", c.TickRate)
	}
	if c.BroadcastRate <= 0 || c.BroadcastRate > c.TickRate {
		return fmt.Errorf("broadcast rate must be in (0, %d], got %d", c.TickRate, c.BroadcastRate)
	}
	if _, err := c.SessionDefaults(); err != nil {
		return err
	}
	return nil
}

// SessionDefaults builds the session configuration used for matchmaking and
// as the base of createSession requests.
func (c Config) SessionDefaults() (session.Config, error) {
	difficulty, err := physics.ParseDifficulty(c.Difficulty)
	if err != nil {
		return session.Config{}, err
	}
	cfg := session.DefaultConfig()
	cfg.MinPlayers = c.MinPlayers
	cfg.MaxPlayers = c.MaxPlayers
	cfg.Difficulty = difficulty
	cfg.TurnDuration = c.TurnDuration
	cfg.GracePeriod = c.GracePeriod
	cfg.CollapseThreshold = c.CollapseThreshold
	cfg.EndTurnOnMove = c.EndTurnOnMove
	return cfg.Normalize()
}

func (c Config) registryConfig(defaults session.Config) registry.Config {
	cfg := registry.DefaultConfig()
	cfg.TickRate = c.TickRate
	cfg.BroadcastRate = c.BroadcastRate
	cfg.SessionLinger = c.SessionLinger
	cfg.MaxSessions = c.MaxSessions
	cfg.Defaults = defaults
	return cfg
}

func (c Config) handlerConfig(defaults session.Config) ws.HandlerConfig {
	cfg := ws.DefaultHandlerConfig()
	cfg.Defaults = defaults
	cfg.MessageRate = c.MessageRate
	cfg.MessageBurst = c.MessageBurst
	return cfg
}

func (c Config) oracleConfig() oracle.Config {
	cfg := oracle.DefaultConfig()
	cfg.MaxRetries = c.OracleRetries
	cfg.BaseDelay = c.OracleBaseDelay
	cfg.AttemptTimeout = c.OracleTimeout
	return cfg
}

func (c Config) loggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = c.LogSinks
	cfg.MinimumSeverity = logging.ParseSeverity(c.LogLevel)
	cfg.JSON.FilePath = c.LogJSONPath
	cfg.Fields = map[string]any{"service": serviceName}
	return cfg
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
