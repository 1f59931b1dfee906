package cli

import (
	"errors"
	"fmt"
	"io"

	gojson "github.com/goccy/go-json"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Check failed (broken chain, cycles, failed scenarios, non-deterministic replay)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, store unavailable)
)

// ExitError carries the exit code a command should end the process with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that are not an
// ExitError map to ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// storeExitError classifies an error returned by the store or an engine.
// Rejected input and broken data are failures; anything else is a command
// error.
func storeExitError(message string, err error) *ExitError {
	var e *event.Error
	switch {
	case errors.As(err, &e):
		return WrapExitError(ExitFailure, message, err)
	case errors.Is(err, store.ErrNotFound):
		return WrapExitError(ExitFailure, message, err)
	default:
		return WrapExitError(ExitCommandError, message, err)
	}
}

// OutputFormatter writes command results as JSON or text.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command result.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON reports whether output is JSON.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// Success writes data. In text mode text is called to render it.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.JSON() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Failure writes data with status "error" and the given code. The caller
// still returns an ExitError so the process exits non-zero.
func (f *OutputFormatter) Failure(code, message string, data any, text func(w io.Writer)) error {
	if f.JSON() {
		return f.encode(CLIResponse{
			Status: "error",
			Data:   data,
			Error:  &CLIError{Code: code, Message: message},
		})
	}
	text(f.Writer)
	return nil
}

// Error writes an error response for err.
func (f *OutputFormatter) Error(err error) error {
	code, details := "ERROR", any(nil)
	if e, ok := event.AsError(err); ok {
		code = string(e.Code)
		if len(e.Details) > 0 {
			details = e.Details
		}
	}
	if f.JSON() {
		return f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: err.Error(), Details: details},
		})
	}
	w := f.GetErrWriter()
	fmt.Fprintf(w, "Error [%s]: %s\n", code, err)
	if f.Verbose && details != nil {
		fmt.Fprintf(w, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog writes a diagnostic line when verbose output is on.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the writer for diagnostic output.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func (f *OutputFormatter) encode(v any) error {
	enc := gojson.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fail returns err as an ExitError. In JSON mode the error response is
// written first; in text mode main prints the returned error.
func (f *OutputFormatter) fail(message string, err error) error {
	exitErr := storeExitError(message, err)
	if f.JSON() {
		if writeErr := f.Error(exitErr); writeErr != nil {
			return writeErr
		}
	} else if e, ok := event.AsError(err); ok && len(e.Details) > 0 {
		f.VerboseLog("Details: %v", e.Details)
	}
	return exitErr
}

// printEnvelopes renders envelopes one per line in text mode.
func printEnvelopes(w io.Writer, envs []event.Envelope) {
	if len(envs) == 0 {
		fmt.Fprintln(w, "No events found.")
		return
	}
	for _, env := range envs {
		printEnvelope(w, env)
	}
}

func printEnvelope(w io.Writer, env event.Envelope) {
	fmt.Fprintf(w, "%s  %s v%d  %s  %s", event.FormatTime(env.RecordedAt), env.AggregateID, env.Version, env.Type, env.EventID)
	if env.CausationID != "" {
		fmt.Fprintf(w, "  <- %s", env.CausationID)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "    payload: %s\n", env.Payload)
}
