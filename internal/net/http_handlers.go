package net

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"strings"
	"time"

	"tower-arena/server/internal/net/proto"
	"tower-arena/server/internal/observability"
	"tower-arena/server/internal/registry"
	"tower-arena/server/internal/session"
	"tower-arena/server/internal/telemetry"
	"tower-arena/server/logging"
)

// Directory is the read side of the session registry.
type Directory interface {
	Sessions(ctx context.Context) ([]session.State, error)
	Stats(ctx context.Context) (registry.Stats, error)
}

type CounterSnapshotter interface {
	Snapshot() map[string]uint64
}

type LoggingStats interface {
	Stats() logging.RouterStats
}

// Depositor records stakes in a local ledger.
type Depositor interface {
	Deposit(ctx context.Context, sessionID, player string, amount int64) error
}

type depositRequest struct {
	SessionID string `json:"sessionId"`
	Player    string `json:"player"`
	Amount    int64  `json:"amount"`
}

type HTTPHandlerConfig struct {
	ClientDir string
	Logger    telemetry.Logger
	Clock     logging.Clock
	Counters  CounterSnapshotter
	Logging   LoggingStats
	// Deposits serves /ledger/deposits. Nil leaves the route unregistered.
	Deposits Depositor
	// WebSocket serves /ws. Nil leaves the route unregistered.
	WebSocket nethttp.Handler
	// RequestTimeout bounds how long a request waits on the registry.
	RequestTimeout time.Duration
	Observability  observability.Config
}

func NewHTTPHandler(dir Directory, cfg HTTPHandlerConfig) nethttp.Handler {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}

	schema, err := json.Marshal(proto.Schemas())
	if err != nil {
		cfg.Logger.Printf("failed to encode protocol schema: %v", err)
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), cfg.RequestTimeout)
		defer cancel()
		stats, err := dir.Stats(ctx)
		if err != nil {
			httpError(w, "registry unavailable", nethttp.StatusServiceUnavailable)
			return
		}

		payload := struct {
			Status     string               `json:"status"`
			ServerTime int64                `json:"serverTime"`
			Registry   registry.Stats       `json:"registry"`
			Counters   map[string]uint64    `json:"counters,omitempty"`
			Logging    *logging.RouterStats `json:"logging,omitempty"`
		}{
			Status:     "ok",
			ServerTime: cfg.Clock.Now().UnixMilli(),
			Registry:   stats,
		}
		if cfg.Counters != nil {
			payload.Counters = cfg.Counters.Snapshot()
		}
		if cfg.Logging != nil {
			logStats := cfg.Logging.Stats()
			payload.Logging = &logStats
		}
		writeJSON(w, cfg.Logger, payload)
	})

	mux.HandleFunc("/sessions", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), cfg.RequestTimeout)
		defer cancel()
		states, err := dir.Sessions(ctx)
		if err != nil {
			httpError(w, "registry unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		if status := r.URL.Query().Get("status"); status != "" {
			filtered := states[:0]
			for _, st := range states {
				if strings.EqualFold(string(st.Status), status) {
					filtered = append(filtered, st)
				}
			}
			states = filtered
		}
		writeJSON(w, cfg.Logger, struct {
			Sessions []session.State `json:"sessions"`
		}{Sessions: states})
	})

	mux.HandleFunc("/sessions/{id}", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), cfg.RequestTimeout)
		defer cancel()
		states, err := dir.Sessions(ctx)
		if err != nil {
			httpError(w, "registry unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		id := r.PathValue("id")
		for _, st := range states {
			if st.ID == id {
				writeJSON(w, cfg.Logger, st)
				return
			}
		}
		httpError(w, "session not found", nethttp.StatusNotFound)
	})

	mux.HandleFunc("/protocol/schema", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		if schema == nil {
			httpError(w, "schema unavailable", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/schema+json")
		w.Write(schema)
	})

	if cfg.Deposits != nil {
		mux.HandleFunc("/ledger/deposits", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			if r.Method != nethttp.MethodPost {
				httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
				return
			}
			var req depositRequest
			dec := json.NewDecoder(nethttp.MaxBytesReader(w, r.Body, 1<<16))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				httpError(w, "invalid deposit", nethttp.StatusBadRequest)
				return
			}
			if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Player) == "" || req.Amount <= 0 {
				httpError(w, "sessionId, player and a positive amount are required", nethttp.StatusBadRequest)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), cfg.RequestTimeout)
			defer cancel()
			if err := cfg.Deposits.Deposit(ctx, req.SessionID, req.Player, req.Amount); err != nil {
				cfg.Logger.Printf("failed to record deposit for %s in %s: %v", req.Player, req.SessionID, err)
				httpError(w, "ledger unavailable", nethttp.StatusServiceUnavailable)
				return
			}
			writeJSON(w, cfg.Logger, req)
		})
	}

	observability.Mount(mux, cfg.Observability)

	if cfg.WebSocket != nil {
		mux.Handle("/ws", cfg.WebSocket)
	}

	if cfg.ClientDir != "" {
		fs := nethttp.FileServer(nethttp.Dir(cfg.ClientDir))
		mux.Handle("/", fs)
	}

	return mux
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("failed to encode response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
