// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package common

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable kind code carried by every user-visible failure.
type ErrorKind string

const (
	KindClientInput         ErrorKind = "client_input"
	KindResourceUnavailable ErrorKind = "resource_unavailable"
	KindTransient           ErrorKind = "transient"
	KindGitConflict         ErrorKind = "git_conflict"
	KindIntegrity           ErrorKind = "integrity"
	KindFatal               ErrorKind = "fatal"
)

// DomainError pairs a short human message with a stable kind code.
// Components recover locally whenever a policy exists; a DomainError is
// what remains for callers to act on.
type DomainError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewClientInputError reports bad identifiers, illegal transitions or
// validation failures. No state change accompanies it.
func NewClientInputError(format string, args ...any) *DomainError {
	return &DomainError{Kind: KindClientInput, Message: fmt.Sprintf(format, args...)}
}

// NewResourceUnavailableError reports a missing runner, a lost claim race
// or a busy continuation runner.
func NewResourceUnavailableError(format string, args ...any) *DomainError {
	return &DomainError{Kind: KindResourceUnavailable, Message: fmt.Sprintf(format, args...)}
}

// NewTransientError reports a socket drop, ack timeout or step timeout.
func NewTransientError(message string, err error) *DomainError {
	return &DomainError{Kind: KindTransient, Message: message, Err: err}
}

// NewIntegrityError reports a constraint violation or an orphan found at
// startup.
func NewIntegrityError(message string, err error) *DomainError {
	return &DomainError{Kind: KindIntegrity, Message: message, Err: err}
}

// KindOfError returns the kind code for an error, defaulting to transient
// for errors without one.
func KindOfError(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

// Sentinel errors shared across components.
var (
	// ErrAlreadyExists translates a unique-constraint violation on an
	// idempotent insert. Non-fatal.
	ErrAlreadyExists = errors.New("already exists")

	// ErrStaleTransition reports a lost optimistic state transition.
	// Retryable.
	ErrStaleTransition = errors.New("stale state transition")
)

// IsStaleTransition reports whether err wraps ErrStaleTransition.
func IsStaleTransition(err error) bool {
	return errors.Is(err, ErrStaleTransition)
}

// IsAlreadyExists reports whether err wraps ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
