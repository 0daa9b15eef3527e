// Package oracle mirrors session milestones to the external ledger.
//
// Ledger calls are advisory. Game state has already advanced locally by
// the time a call is made, so a failed call is logged and dropped, never
// rolled back.
package oracle

import (
	"context"
	"errors"
	"strings"
)

type CallKind string

const (
	CallCompleteTurn   CallKind = "completeTurn"
	CallTimeoutTurn    CallKind = "timeoutTurn"
	CallReportCollapse CallKind = "reportCollapse"
	CallVerifyPayment  CallKind = "verifyPayment"
)

// Ledger records session milestones.
type Ledger interface {
	CompleteTurn(ctx context.Context, sessionID string) error
	TimeoutTurn(ctx context.Context, sessionID string) error
	ReportCollapse(ctx context.Context, sessionID string) error
}

// PaymentVerifier confirms that a player deposited the session stake.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, sessionID, player string, stake int64) (bool, error)
}

// Backend is a ledger that can also verify payments.
type Backend interface {
	Ledger
	PaymentVerifier
}

func invoke(ctx context.Context, l Ledger, kind CallKind, sessionID string) error {
	switch kind {
	case CallCompleteTurn:
		return l.CompleteTurn(ctx, sessionID)
	case CallTimeoutTurn:
		return l.TimeoutTurn(ctx, sessionID)
	case CallReportCollapse:
		return l.ReportCollapse(ctx, sessionID)
	default:
		return ErrUnknownCall
	}
}

var ErrUnknownCall = errors.New("oracle: invalid call kind")

type Class string

const (
	ClassNone      Class = ""
	ClassRetryable Class = "retryable"
	ClassPermanent Class = "permanent"
)

var permanentMarkers = []string{"invalid", "unauthorized", "forbidden", "not found", "revert"}

// TransientCodes are network failure markers that are always retried.
var TransientCodes = []string{"ETIMEDOUT", "ECONNRESET", "ECONNREFUSED", "timeout", "connection reset"}

// Classify decides whether a failed call is worth retrying. Messages that
// name a rejection by the ledger are permanent; everything else, including
// the transient network codes, is retryable.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return ClassPermanent
		}
	}
	return ClassRetryable
}

// IsTransient reports whether err names one of the TransientCodes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, code := range TransientCodes {
		if strings.Contains(msg, strings.ToLower(code)) {
			return true
		}
	}
	return false
}

// Nop accepts every call and every payment.
type Nop struct{}

func (Nop) CompleteTurn(context.Context, string) error   { return nil }
func (Nop) TimeoutTurn(context.Context, string) error    { return nil }
func (Nop) ReportCollapse(context.Context, string) error { return nil }

func (Nop) VerifyPayment(context.Context, string, string, int64) (bool, error) {
	return true, nil
}
