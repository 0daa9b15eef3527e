// Package oracletest provides a scripted ledger for tests.
package oracletest

import (
	"context"
	"sync"

	"tower-arena/server/internal/oracle"
)

// Invocation records one call the ledger received.
type Invocation struct {
	Kind      oracle.CallKind
	SessionID string
	Err       error
}

// Ledger fails calls according to a per-kind script, then succeeds.
type Ledger struct {
	mu       sync.Mutex
	script   map[oracle.CallKind][]error
	calls    []Invocation
	payments map[string]bool
	payErrs  []error
	block    chan struct{}
}

func New() *Ledger {
	return &Ledger{
		script:   make(map[oracle.CallKind][]error),
		payments: make(map[string]bool),
	}
}

// FailNext queues errors returned by the next calls of kind, in order.
func (l *Ledger) FailNext(kind oracle.CallKind, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.script[kind] = append(l.script[kind], errs...)
}

// SetPaid marks a player's deposit as verified.
func (l *Ledger) SetPaid(player string, paid bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payments[player] = paid
}

// FailPayments queues errors for the next VerifyPayment calls.
func (l *Ledger) FailPayments(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payErrs = append(l.payErrs, errs...)
}

// Hold makes every call block until Release.
func (l *Ledger) Hold() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.block = make(chan struct{})
}

func (l *Ledger) Release() {
	l.mu.Lock()
	block := l.block
	l.block = nil
	l.mu.Unlock()
	if block != nil {
		close(block)
	}
}

func (l *Ledger) Calls() []Invocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Invocation(nil), l.calls...)
}

// CallsOf counts calls of kind, failed ones included.
func (l *Ledger) CallsOf(kind oracle.CallKind) int {
	n := 0
	for _, c := range l.Calls() {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func (l *Ledger) record(ctx context.Context, kind oracle.CallKind, sessionID string) error {
	l.mu.Lock()
	block := l.block
	l.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if queue := l.script[kind]; len(queue) > 0 {
		err = queue[0]
		l.script[kind] = queue[1:]
	}
	l.calls = append(l.calls, Invocation{Kind: kind, SessionID: sessionID, Err: err})
	return err
}

func (l *Ledger) CompleteTurn(ctx context.Context, sessionID string) error {
	return l.record(ctx, oracle.CallCompleteTurn, sessionID)
}

func (l *Ledger) TimeoutTurn(ctx context.Context, sessionID string) error {
	return l.record(ctx, oracle.CallTimeoutTurn, sessionID)
}

func (l *Ledger) ReportCollapse(ctx context.Context, sessionID string) error {
	return l.record(ctx, oracle.CallReportCollapse, sessionID)
}

func (l *Ledger) VerifyPayment(ctx context.Context, sessionID, player string, stake int64) (bool, error) {
	if err := l.record(ctx, oracle.CallVerifyPayment, sessionID); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.payErrs) > 0 {
		err := l.payErrs[0]
		l.payErrs = l.payErrs[1:]
		return false, err
	}
	return l.payments[player], nil
}
