// Package carrier abstracts the telephony provider. The dispatch core only
// needs initiate/hangup/details; media and webhooks are handled elsewhere.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Call statuses as reported by the carrier.
const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusBusy       = "busy"
	StatusNoAnswer   = "no-answer"
)

// Credentials are per-phone carrier credentials, already decrypted by the
// caller.
type Credentials struct {
	SID       string
	Token     string
	Subdomain string
}

// InitiateParams describe one outbound call.
type InitiateParams struct {
	From        string
	To          string
	CallerID    string
	AppID       string
	CustomField string // call log id, echoed back in webhooks
	Credentials Credentials
}

// Call is the carrier's view of a call.
type Call struct {
	SID         string
	Status      string
	Direction   string
	DateCreated time.Time
}

// Carrier is the provider contract consumed by the call worker.
type Carrier interface {
	Initiate(ctx context.Context, params InitiateParams) (*Call, error)
	Hangup(ctx context.Context, sid string) error
	GetDetails(ctx context.Context, sid string) (*Call, error)
}

// Error is a typed carrier failure; the worker's recovery policy branches
// on its class.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("carrier: %s (status %d)", e.Message, e.StatusCode)
}

// ErrCircuitOpen is returned while the carrier circuit breaker is open.
var ErrCircuitOpen = errors.New("carrier: circuit open")

// IsAuthError reports a 401/403: fatal for the phone's credentials.
func IsAuthError(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && (ce.StatusCode == 401 || ce.StatusCode == 403)
}

// IsRateLimited reports a 429: back off and retry.
func IsRateLimited(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.StatusCode == 429
}

// IsServerError reports a 5xx: retry behind the circuit breaker.
func IsServerError(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.StatusCode >= 500
}
