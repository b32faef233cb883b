package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAccountUnavailable means the terminal could not be reached; the tick is skipped.
	ErrAccountUnavailable = errors.New("account unavailable")
	// ErrCircuitBreakerTripped is the terminal state after a drawdown trip.
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")
)

// AccountUnavailableError wraps the transport failure behind ErrAccountUnavailable.
type AccountUnavailableError struct {
	Op  string
	Err error
}

func (e *AccountUnavailableError) Error() string {
	return fmt.Sprintf("%s: account unavailable: %v", e.Op, e.Err)
}

func (e *AccountUnavailableError) Unwrap() error { return e.Err }

func (e *AccountUnavailableError) Is(target error) bool {
	return target == ErrAccountUnavailable
}

// TransientBrokerError is returned once retryable failures exhaust the retry budget.
type TransientBrokerError struct {
	Kind     RequestKind
	Retcode  int
	Attempts int
	Err      error
}

func (e *TransientBrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: transient broker failure after %d attempts: %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: transient broker failure after %d attempts: %d %s",
		e.Kind, e.Attempts, e.Retcode, RetcodeText(e.Retcode))
}

func (e *TransientBrokerError) Unwrap() error { return e.Err }

// RejectedOrderError is a fatal outcome for one order. It never stops the loop.
type RejectedOrderError struct {
	Kind    RequestKind
	Retcode int
	Comment string
	Err     error
}

func (e *RejectedOrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s rejected: %v", e.Kind, e.Err)
	}
	msg := fmt.Sprintf("%s rejected: %d %s", e.Kind, e.Retcode, RetcodeText(e.Retcode))
	if e.Comment != "" {
		msg += " (" + e.Comment + ")"
	}
	return msg
}

func (e *RejectedOrderError) Unwrap() error { return e.Err }

// ConfigurationError collects every problem found while validating the configuration.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Add records a problem.
func (e *ConfigurationError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns nil when nothing was recorded.
func (e *ConfigurationError) OrNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
