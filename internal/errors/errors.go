// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package errors provides the structured error taxonomy for the RagForge daemon
// and CLI.
//
// Every error that crosses a component boundary is converted into a UserError
// carrying a Kind, a short user-facing message, a diagnostic cause, and an
// actionable fix. The daemon maps kinds to HTTP status codes; the CLI maps
// them to exit codes. Raw stack traces are logged, never surfaced.
//
// # Kinds
//
//   - KindInvalidInput: malformed JSON, missing fields, unknown tool. Never retried.
//   - KindResourceBusy: would violate lock ordering with no-wait requested.
//   - KindUpstream: graph DB, LLM, or embedding provider unreachable.
//   - KindTimeout: lock wait or startup wait exceeded its budget.
//   - KindTransient: logged-and-swallowed failures (EPIPE, parse tolerance).
//   - KindFatal: bind failure, corrupt PID state, rejected schema. Daemon exits non-zero.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

// Error kinds. See the package documentation for retry and surfacing rules.
const (
	KindInvalidInput Kind = "invalid_input"
	KindResourceBusy Kind = "resource_busy"
	KindUpstream     Kind = "upstream_unavailable"
	KindTimeout      Kind = "timeout"
	KindTransient    Kind = "transient"
	KindFatal        Kind = "fatal"
)

// Exit codes for the CLI, by error kind.
const (
	ExitSuccess  = 0
	ExitUpstream = 3
	ExitInput    = 4
	ExitBusy     = 7
	ExitTimeout  = 8
	ExitFatal    = 10
)

// UserError is an error with structured context for end users.
//
// It provides three levels of information: what went wrong (Message), why it
// happened (Cause), and how to fix it (Fix).
type UserError struct {
	// Kind classifies the error for retry and surfacing policy.
	Kind Kind

	// Message describes what went wrong in user-friendly language.
	Message string

	// Cause explains why the error occurred (diagnostic information).
	Cause string

	// Fix provides an actionable suggestion on how to resolve the error.
	Fix string

	// Err is the underlying error, for errors.Is/As chains. Optional.
	Err error
}

// Error implements the error interface.
func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *UserError) Unwrap() error {
	return e.Err
}

// ExitCode returns the CLI exit code for this error's kind.
func (e *UserError) ExitCode() int {
	switch e.Kind {
	case KindInvalidInput:
		return ExitInput
	case KindResourceBusy:
		return ExitBusy
	case KindUpstream:
		return ExitUpstream
	case KindTimeout:
		return ExitTimeout
	case KindTransient:
		return ExitSuccess
	default:
		return ExitFatal
	}
}

// HTTPStatus returns the HTTP status code the daemon should answer with.
func (e *UserError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindResourceBusy:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewInputError creates an invalid-input error.
//
// Input errors are surfaced to the caller verbatim and never retried.
func NewInputError(msg, cause, fix string) *UserError {
	return &UserError{Kind: KindInvalidInput, Message: msg, Cause: cause, Fix: fix}
}

// NewBusyError creates a resource-busy error. Returned only when the caller
// explicitly requested no-wait semantics on a lock.
func NewBusyError(msg, cause, fix string) *UserError {
	return &UserError{Kind: KindResourceBusy, Message: msg, Cause: cause, Fix: fix}
}

// NewUpstreamError creates an upstream-unavailable error.
//
// Use this when the graph database, LLM, or embedding provider is unreachable.
// Ingestion and embedding batches retry these; everywhere else they surface
// as tool errors.
func NewUpstreamError(msg, cause, fix string, err error) *UserError {
	return &UserError{Kind: KindUpstream, Message: msg, Cause: cause, Fix: fix, Err: err}
}

// NewTimeoutError creates a timeout error (lock wait, startup wait, etc).
func NewTimeoutError(msg, cause, fix string, err error) *UserError {
	return &UserError{Kind: KindTimeout, Message: msg, Cause: cause, Fix: fix, Err: err}
}

// NewTransientError creates a transient error. Transient errors are logged and
// swallowed where they cannot affect correctness.
func NewTransientError(msg string, err error) *UserError {
	return &UserError{Kind: KindTransient, Message: msg, Err: err}
}

// NewFatalError creates a fatal error. The daemon exits non-zero on these.
func NewFatalError(msg, cause, fix string, err error) *UserError {
	return &UserError{Kind: KindFatal, Message: msg, Cause: cause, Fix: fix, Err: err}
}

// Color definitions for error formatting.
var (
	colorError = color.New(color.FgRed, color.Bold)
	colorCause = color.New(color.FgYellow)
	colorFix   = color.New(color.FgGreen)
)

// Format returns a formatted error message for terminal display.
//
// Output has colored sections for Error (red/bold), Cause (yellow), and Fix
// (green). Color respects NO_COLOR and the noColor parameter. Empty Cause or
// Fix fields are omitted.
func (e *UserError) Format(noColor bool) string {
	originalNoColor := color.NoColor
	defer func() { color.NoColor = originalNoColor }()

	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	out.WriteString(e.Message)
	out.WriteString("\n")

	if e.Cause != "" {
		out.WriteString(colorCause.Sprint("Cause: "))
		out.WriteString(e.Cause)
		out.WriteString("\n")
	}

	if e.Fix != "" {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(e.Fix)
		out.WriteString("\n")
	}

	return out.String()
}

// ErrorJSON is the machine-readable form of a UserError.
type ErrorJSON struct {
	Kind     string `json:"kind"`
	Error    string `json:"error"`
	Cause    string `json:"cause,omitempty"`
	Fix      string `json:"fix,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// ToJSON converts the UserError to a JSON-serializable structure.
func (e *UserError) ToJSON() ErrorJSON {
	return ErrorJSON{
		Kind:     string(e.Kind),
		Error:    e.Message,
		Cause:    e.Cause,
		Fix:      e.Fix,
		ExitCode: e.ExitCode(),
	}
}

// AsUser returns err as a *UserError, wrapping unknown errors as fatal.
func AsUser(err error) *UserError {
	if err == nil {
		return nil
	}
	if ue, ok := err.(*UserError); ok {
		return ue
	}
	return &UserError{Kind: KindFatal, Message: err.Error(), Err: err}
}

// FatalError prints the error and exits with the appropriate code.
//
// This function never returns - it always calls os.Exit().
func FatalError(err error, jsonOutput bool) {
	if err == nil {
		return
	}

	ue := AsUser(err)
	if jsonOutput {
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		// Encode error is intentionally ignored since we're about to exit.
		_ = enc.Encode(ue.ToJSON())
	} else {
		fmt.Fprint(os.Stderr, ue.Format(false))
	}
	os.Exit(ue.ExitCode())
}
