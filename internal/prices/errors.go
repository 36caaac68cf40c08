package prices

import (
	"errors"
	"fmt"
)

// ErrRateLimited matches any error that signals upstream quota exhaustion.
var ErrRateLimited = errors.New("rate limited")

// ConfigurationError signals a missing required setting, typically a
// provider API key. It is fatal and never retried.
type ConfigurationError struct {
	Key string
	Msg string
}

func (e *ConfigurationError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("configuration: %s: %s", e.Key, e.Msg)
	}
	return fmt.Sprintf("configuration: %s is not set", e.Key)
}

// UpstreamError signals a non-success response, an error envelope or a
// transport failure from a provider (or from the aggregator, seen from the
// synchronizer side).
type UpstreamError struct {
	Provider    string
	StatusCode  int
	RateLimited bool
	Err         error
}

func (e *UpstreamError) Error() string {
	msg := "upstream error"
	if e.RateLimited {
		msg = "upstream quota exhausted"
	}
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRateLimited) match quota errors.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrRateLimited && e.RateLimited
}

// EmptyResultError signals a successful response without a single valid
// price. It is treated as transient.
type EmptyResultError struct {
	Provider string
}

func (e *EmptyResultError) Error() string {
	if e.Provider == "" {
		return "no valid prices in response"
	}
	return e.Provider + ": no valid prices in response"
}

// PersistenceError wraps failures reading or writing the persisted cache.
// Callers log it and fall back to the seed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persistence " + e.Op + ": " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err signals quota exhaustion.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// IsConfiguration reports whether err is, or wraps, a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsEmptyResult reports whether err is, or wraps, an EmptyResultError.
func IsEmptyResult(err error) bool {
	var ee *EmptyResultError
	return errors.As(err, &ee)
}

// Kind is a stable, wire-friendly classification of an error.
type Kind string

const (
	KindNone          Kind = ""
	KindConfiguration Kind = "configuration_error"
	KindRateLimited   Kind = "rate_limited"
	KindEmpty         Kind = "empty_result"
	KindUpstream      Kind = "upstream_error"
)

// KindOf classifies err. Unknown errors are reported as upstream errors.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case IsConfiguration(err):
		return KindConfiguration
	case IsRateLimited(err):
		return KindRateLimited
	case IsEmptyResult(err):
		return KindEmpty
	default:
		return KindUpstream
	}
}
