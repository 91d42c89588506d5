package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"adpipeline/internal/creds"
)

// Error taxonomy shared by all adapters. The coordinator switches on these
// kinds to decide whether a source failure is retryable, needs a credential
// refresh, or is fatal for the batch.
var (
	// ErrAuthExpired: the upstream rejected our credential. Recoverable once
	// by a refresh; a second occurrence in the same extraction is fatal.
	ErrAuthExpired = errors.New("auth expired")

	// ErrRateLimited: upstream 429/503 or a vendor ServiceUnavailable code.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransient: network timeout, DNS failure, 5xx. Retried up to 3 times.
	ErrTransient = errors.New("transient upstream error")

	// ErrInvalid: the response did not match the declared schema. Fatal for
	// this source; the batch continues for the others.
	ErrInvalid = errors.New("invalid upstream response")
)

// Kind extracts the taxonomy bucket of an adapter error for alarm cards.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthExpired):
		return "AuthExpired"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrTransient):
		return "Transient"
	case errors.Is(err, ErrInvalid):
		return "Invalid"
	case errors.Is(err, creds.ErrNeedsInteractive):
		return "AuthInteractiveRequired"
	default:
		return "Unknown"
	}
}

// Retryable reports whether another attempt can succeed without operator or
// credential intervention.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// classifyStatus maps an HTTP status code onto the taxonomy.
func classifyStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return ErrAuthExpired
	case status == 429 || status == 503:
		return fmt.Errorf("status %d: %w", status, ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("status %d: %w", status, ErrTransient)
	default:
		return fmt.Errorf("status %d: %w", status, ErrInvalid)
	}
}

// classifyNetErr maps transport-level failures onto the taxonomy. Context
// cancellation passes through untouched so callers can distinguish shutdown
// from upstream flakiness.
func classifyNetErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return fmt.Errorf("timeout: %v: %w", err, ErrTransient)
	}
	return fmt.Errorf("%v: %w", err, ErrTransient)
}

// Warning is a non-fatal data anomaly or safety-bound notice surfaced to the
// alarm path without aborting the batch.
type Warning struct {
	Source string
	Rule   string
	Detail string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s (%s)", w.Source, w.Rule, w.Detail)
}
