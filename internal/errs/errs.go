// Package errs defines the failure kinds surfaced by the registry.
//
// Every kind is returned to the caller as-is; nothing here retries. Callers
// match on kind with errors.Is against the sentinels below.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTimeout    Kind = "timeout"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrTimeout    = errors.New("timeout")
)

var sentinels = map[Kind]error{
	KindValidation: ErrValidation,
	KindNotFound:   ErrNotFound,
	KindConflict:   ErrConflict,
	KindTimeout:    ErrTimeout,
}

// Error carries the kind plus the scope and artifact the caller asked for, so a
// failed proposal or apply can be retried, redirected, or escalated.
type Error struct {
	Kind       Kind
	Op         string
	Scope      string
	ArtifactID string
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Scope != "" {
		fmt.Fprintf(&b, " (scope=%s)", e.Scope)
	}
	if e.ArtifactID != "" {
		fmt.Fprintf(&b, " (artifact=%s)", e.ArtifactID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return newError(KindTimeout, format, args...)
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the registry kind of err, or "" for unclassified failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// FromContext maps an expired or cancelled context onto a TimeoutError.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err, "store call exceeded deadline")
	}
	return err
}

// Annotate fills in the requested operation, scope and artifact on registry errors,
// leaving values that are already set. Unclassified errors are wrapped with the op.
func Annotate(err error, op, scope, artifactID string) error {
	if err == nil {
		return nil
	}
	err = FromContext(err)
	var e *Error
	if !errors.As(err, &e) {
		return fmt.Errorf("%s: %w", op, err)
	}
	out := *e
	if out.Op == "" {
		out.Op = op
	}
	if out.Scope == "" {
		out.Scope = scope
	}
	if out.ArtifactID == "" {
		out.ArtifactID = artifactID
	}
	return &out
}
