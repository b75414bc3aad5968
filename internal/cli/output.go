package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and failed, e.g. a drain with failures
	ExitCommandError = 2 // bad flags, config or local state
)

// ExitError carries the process exit code for a failed command.
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

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that are not an
// ExitError map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// response is the JSON envelope for --format json.
type response struct {
	Status string `json:"status"` // "ok" or "error"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// printer writes command results as text or JSON lines. It may be shared
// by observer callbacks running on other goroutines.
type printer struct {
	format string

	mu sync.Mutex
	w  io.Writer
}

func newPrinter(opts *RootOptions, w io.Writer) *printer {
	return &printer{format: opts.Format, w: w}
}

// Success prints data. In text mode text is printed instead.
func (p *printer) Success(data any, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format == "json" {
		return json.NewEncoder(p.w).Encode(response{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(p.w, text)
	return err
}

func (p *printer) Error(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format == "json" {
		return json.NewEncoder(p.w).Encode(response{Status: "error", Error: err.Error()})
	}
	_, werr := fmt.Fprintf(p.w, "Error: %v\n", err)
	return werr
}
