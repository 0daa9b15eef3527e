package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	servernet "tower-arena/server/internal/net"
	"tower-arena/server/internal/net/ws"
	"tower-arena/server/internal/observability"
	"tower-arena/server/internal/oracle"
	"tower-arena/server/internal/oracle/rpc"
	oraclesqlite "tower-arena/server/internal/oracle/sqlite"
	"tower-arena/server/internal/platform/otel"
	"tower-arena/server/internal/registry"
	"tower-arena/server/internal/telemetry"
	"tower-arena/server/logging"
	loggingSinks "tower-arena/server/logging/sinks"
)

const serviceName = "tower-arena"

// Server owns every long-lived component of one process.
type Server struct {
	cfg      Config
	zap      *zap.Logger
	logger   telemetry.Logger
	router   *logging.Router
	counters *telemetry.Counters
	reporter *oracle.Reporter
	registry *registry.Registry
	handler  http.Handler
	// deposits is set when the ledger is the local sqlite store.
	deposits servernet.Depositor

	closers []func(context.Context) error
}

// NewLogger builds the process zap logger.
func NewLogger(cfg Config) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// New wires the server without starting anything that needs a context.
func New(ctx context.Context, cfg Config, zl *zap.Logger) (*Server, error) {
	if zl == nil {
		zl = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		zap:      zl,
		logger:   telemetry.WrapZap(zl),
		counters: telemetry.NewCounters(),
	}

	shutdownTracing, err := otel.Setup(ctx, serviceName, cfg.OTelEndpoint, cfg.OTelSampleRatio)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	s.closers = append(s.closers, shutdownTracing)

	router, err := s.newRouter()
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.router = router
	s.closers = append(s.closers, router.Close)

	ledger, err := s.newLedger()
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	oracleCfg := cfg.oracleConfig()
	oracleCfg.Logger = s.logger
	oracleCfg.Metrics = s.counters
	oracleCfg.Publisher = router
	s.reporter = oracle.NewReporter(ledger, oracleCfg)

	defaults, err := cfg.SessionDefaults()
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	regCfg := cfg.registryConfig(defaults)
	regCfg.Logger = s.logger
	regCfg.Publisher = router
	regCfg.Metrics = s.counters
	regCfg.Oracle = s.reporter
	if cfg.OracleMode != OracleModeNone {
		regCfg.Payments = s.reporter
	}
	s.registry = registry.New(regCfg)

	handlerCfg := cfg.handlerConfig(defaults)
	handlerCfg.Logger = s.logger
	handlerCfg.Publisher = router
	handlerCfg.Metrics = s.counters
	wsHandler := ws.NewHandler(s.registry, handlerCfg)

	s.handler = servernet.NewHTTPHandler(s.registry, servernet.HTTPHandlerConfig{
		ClientDir:     cfg.ClientDir,
		Logger:        s.logger,
		Counters:      s.counters,
		Logging:       router,
		Deposits:      s.deposits,
		WebSocket:     http.HandlerFunc(wsHandler.Handle),
		Observability: observability.Config{EnablePprof: cfg.EnablePprof},
	})
	return s, nil
}

func (s *Server) newRouter() (*logging.Router, error) {
	logCfg := s.cfg.loggingConfig()
	sinks := map[string]logging.Sink{
		"console": loggingSinks.NewConsole(os.Stdout, logCfg.Console),
		"zap":     loggingSinks.NewZap(s.zap.Named("events")),
	}
	if logCfg.HasSink("json") {
		file, err := os.OpenFile(logCfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		sinks["json"] = loggingSinks.NewJSON(file, logCfg.JSON.FlushInterval)
	}

	router, err := logging.NewRouter(logCfg, logging.SystemClock{}, zap.NewStdLog(s.zap), sinks)
	if err != nil && router == nil {
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	if err != nil {
		s.logger.Printf("logging router started with sink errors: %v", err)
	}
	return router, nil
}

func (s *Server) newLedger() (oracle.Ledger, error) {
	switch s.cfg.OracleMode {
	case OracleModeRPC:
		client, err := rpc.New(rpc.Config{
			Endpoint: s.cfg.OracleEndpoint,
			APIKey:   s.cfg.OracleAPIKey,
			Timeout:  s.cfg.OracleTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to construct oracle client: %w", err)
		}
		return client, nil
	case OracleModeSQLite:
		ledger, err := oraclesqlite.Open(s.cfg.OracleDBPath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return ledger.Close() })
		s.deposits = ledger
		return ledger, nil
	default:
		return oracle.Nop{}, nil
	}
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Registry() *registry.Registry { return s.registry }

// Serve runs the registry loop and the HTTP server on ln until ctx is done
// or either fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.zap.Named("http")),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.registry.Run(gctx)
	})
	g.Go(func() error {
		s.logger.Printf("server listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, registry.ErrStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close waits for in-flight oracle calls, then releases every resource in
// reverse order of construction.
func (s *Server) Close(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs []error
	if s.reporter != nil {
		if err := s.reporter.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("oracle calls still in flight: %w", err))
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	_ = s.zap.Sync()
	return errors.Join(errs...)
}

// Run builds the server from cfg and serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config, stderr io.Writer) error {
	zl, err := NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to build logger: %v\n", err)
		return err
	}

	s, err := New(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(ctx); cerr != nil {
			s.logger.Printf("shutdown: %v", cerr)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}
