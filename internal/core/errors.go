package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for broker-side conditions
var (
	ErrOrderNotFound = errors.New("order not found")
	ErrHalted        = errors.New("symbol halted, operator reset required")
)

// RejectError is returned when the broker refuses an order. Rejections are
// logged and surfaced, never silently retried for exits or scale-ins.
type RejectError struct {
	AccountID string
	Symbol    string
	OrderID   string
	Reason    string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("broker rejected order %s (%s %s): %s", e.OrderID, e.AccountID, e.Symbol, e.Reason)
}

// IsReject reports whether err is a broker rejection
func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

// ConflictingIntentError is returned when an order or fill would grow a
// position whose exit is already in flight. Rejected locally, before the
// broker is ever contacted.
type ConflictingIntentError struct {
	AccountID string
	Symbol    string
	State     ExitState
}

func (e *ConflictingIntentError) Error() string {
	return fmt.Sprintf("conflicting intent for %s %s: position growth refused while exit state is %s",
		e.AccountID, e.Symbol, e.State)
}

// IsConflictingIntent reports whether err is a local intent conflict
func IsConflictingIntent(err error) bool {
	var ce *ConflictingIntentError
	return errors.As(err, &ce)
}

// TimeoutError is returned when a confirmation or kill-switch deadline
// elapses. Deadlines escalate, they do not retry.
type TimeoutError struct {
	Op       string
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %s", e.Op, e.Deadline)
}

// IsTimeout reports whether err is a deadline breach
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// DriftDetectedError signals a virtual/broker divergence. Informational:
// it marks work for the reconciler, not a failure of the acting component.
type DriftDetectedError struct {
	AccountID       string
	Symbol          string
	VirtualQuantity int64
	BrokerQuantity  int64
}

func (e *DriftDetectedError) Error() string {
	return fmt.Sprintf("drift detected for %s %s: virtual=%d broker=%d",
		e.AccountID, e.Symbol, e.VirtualQuantity, e.BrokerQuantity)
}
