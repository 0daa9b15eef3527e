package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tower-arena/server/internal/telemetry"
	"tower-arena/server/logging"
	loggingoracle "tower-arena/server/logging/oracle"
)

const (
	DefaultMaxRetries     = 3
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultAttemptTimeout = 10 * time.Second

	tracerName = "tower-arena/server/internal/oracle"
)

type Config struct {
	// MaxRetries is the total number of attempts per call.
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration

	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Tracer    trace.Tracer
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// Call is the outcome of one reported milestone.
type Call struct {
	Kind      CallKind
	SessionID string
	Attempts  int
	Delays    []time.Duration
	LastErr   error
	LastClass Class
	OK        bool
}

// Reporter wraps ledger calls with bounded exponential backoff.
type Reporter struct {
	ledger   Ledger
	verifier PaymentVerifier
	cfg      Config
	wg       sync.WaitGroup
}

// NewReporter wraps ledger. If ledger also implements PaymentVerifier it
// is used by VerifyPayment.
func NewReporter(ledger Ledger, cfg Config) *Reporter {
	def := DefaultConfig()
	if ledger == nil {
		ledger = Nop{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	r := &Reporter{ledger: ledger, cfg: cfg}
	if v, ok := ledger.(PaymentVerifier); ok {
		r.verifier = v
	}
	return r
}

func (r *Reporter) newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.cfg.MaxDelay,
	}
}

// Report runs one call to completion and reports success. It never panics
// and never returns an error; failures are logged.
func (r *Reporter) Report(ctx context.Context, kind CallKind, sessionID string) bool {
	return r.Do(ctx, kind, sessionID).OK
}

// Do is Report with the full call record.
func (r *Reporter) Do(ctx context.Context, kind CallKind, sessionID string) (call Call) {
	call = Call{Kind: kind, SessionID: sessionID}
	ctx, span := r.cfg.Tracer.Start(ctx, "oracle."+string(kind), trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("oracle.call", string(kind)),
	))
	defer func() {
		if rec := recover(); rec != nil {
			call.OK = false
			call.LastErr = fmt.Errorf("oracle: ledger panicked: %v", rec)
			call.LastClass = ClassPermanent
		}
		r.finish(ctx, span, call)
	}()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		call.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
		err := invoke(attemptCtx, r.ledger, kind, sessionID)
		call.LastErr = err
		call.LastClass = Classify(err)
		if err != nil && call.LastClass == ClassPermanent {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.cfg.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			call.Delays = append(call.Delays, delay)
			loggingoracle.CallRetrying(ctx, r.cfg.Publisher, sessionID, loggingoracle.CallPayload{
				Call:     string(kind),
				Attempts: call.Attempts,
				DelayMs:  delay.Milliseconds(),
				Class:    string(Classify(err)),
				Error:    err.Error(),
			})
		}),
	)
	call.OK = err == nil
	return call
}

func (r *Reporter) finish(ctx context.Context, span trace.Span, call Call) {
	defer span.End()
	span.SetAttributes(
		attribute.Int("oracle.attempts", call.Attempts),
		attribute.String("oracle.class", string(call.LastClass)),
	)
	payload := loggingoracle.CallPayload{
		Call:     string(call.Kind),
		Attempts: call.Attempts,
		Class:    string(call.LastClass),
	}
	if call.OK {
		span.SetStatus(codes.Ok, "")
		r.cfg.Metrics.Add("oracle_calls_succeeded", 1)
		loggingoracle.CallSucceeded(ctx, r.cfg.Publisher, call.SessionID, payload)
		return
	}
	if call.LastErr != nil {
		span.RecordError(call.LastErr)
		payload.Error = call.LastErr.Error()
	}
	span.SetStatus(codes.Error, "ledger call failed")
	r.cfg.Metrics.Add("oracle_calls_failed", 1)
	r.cfg.Logger.Printf("oracle: %s for session %s failed after %d attempt(s): %v", call.Kind, call.SessionID, call.Attempts, call.LastErr)
	loggingoracle.CallFailed(ctx, r.cfg.Publisher, call.SessionID, payload)
}

// Dispatch runs the call on its own goroutine. The call is detached from
// ctx's cancellation so an in-flight retry loop always runs to completion.
func (r *Reporter) Dispatch(ctx context.Context, kind CallKind, sessionID string) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Do(ctx, kind, sessionID)
	}()
}

// Wait blocks until dispatched calls finish or ctx is done.
func (r *Reporter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var ErrNoVerifier = errors.New("oracle: payment verification unavailable")

// VerifyPayment checks a deposit with the same retry policy as ledger calls.
func (r *Reporter) VerifyPayment(ctx context.Context, sessionID, player string, stake int64) (bool, error) {
	if r.verifier == nil {
		return false, ErrNoVerifier
	}
	ctx, span := r.cfg.Tracer.Start(ctx, "oracle."+string(CallVerifyPayment), trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("player", player),
		attribute.Int64("stake", stake),
	))
	defer span.End()

	attempts := 0
	ok, err := backoff.Retry(ctx, func() (bool, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
		ok, err := r.verifier.VerifyPayment(attemptCtx, sessionID, player, stake)
		if err != nil && Classify(err) == ClassPermanent {
			return false, backoff.Permanent(err)
		}
		return ok, err
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.cfg.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
	)
	span.SetAttributes(attribute.Int("oracle.attempts", attempts), attribute.Bool("payment.verified", ok))

	payload := loggingoracle.PaymentPayload{Player: player, Stake: stake, Verified: ok && err == nil}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment verification failed")
		payload.Error = err.Error()
	}
	loggingoracle.PaymentChecked(ctx, r.cfg.Publisher, sessionID, payload)
	if err != nil {
		return false, fmt.Errorf("verify payment: %w", err)
	}
	return ok, nil
}
