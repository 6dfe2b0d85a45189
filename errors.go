package loom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // from the Retry-After header; 0 if absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds
// or an HTTP-date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrorKind classifies pipeline failures for events and metric tags.
type ErrorKind string

const (
	KindConfiguration    ErrorKind = "configuration_error"
	KindCompletion       ErrorKind = "completion_error"
	KindToolExecution    ErrorKind = "tool_execution_error"
	KindAccessDenied     ErrorKind = "access_denied"
	KindSchemaComplexity ErrorKind = "schema_complexity_error"
	KindTimeout          ErrorKind = "timeout_error"
	KindRateLimit        ErrorKind = "rate_limit_error"
	KindCancelled        ErrorKind = "client_cancelled"
)

// PipelineError is a request-fatal stage failure. Local failures
// (tools, caches, audit, RAG sub-queries, incremental persists) are
// logged where they happen and never become PipelineErrors.
type PipelineError struct {
	Kind      ErrorKind
	Stage     string
	Retryable bool
	Err       error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// ConfigError reports a missing or invalid configuration value. Fatal,
// surfaced at ingress.
func ConfigError(format string, args ...any) *PipelineError {
	return &PipelineError{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

// StageError wraps err as a fatal failure of the named stage, keeping
// its classification.
func StageError(stage string, err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		if pe.Stage == "" {
			pe.Stage = stage
		}
		return pe
	}
	return &PipelineError{
		Kind:      Classify(err),
		Stage:     stage,
		Retryable: isTransient(err),
		Err:       err,
	}
}

// Classify maps an arbitrary error to its kind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if IsSchemaComplexity(err) {
		return KindSchemaComplexity
	}
	var eh *ErrHTTP
	if errors.As(err, &eh) {
		switch eh.Status {
		case 429:
			return KindRateLimit
		case 408, 504:
			return KindTimeout
		}
	}
	return KindCompletion
}

var schemaComplexityMarkers = []string{
	"too many states",
	"too many tools",
	"too many functions",
	"maximum number of tools",
	"maximum number of functions",
	"tools: array too long",
}

// IsSchemaComplexity reports whether err is a provider rejection caused
// by an oversized tool schema set. These are recovered by halving the
// tool list and retrying, not by failing the request outright.
func IsSchemaComplexity(err error) bool {
	var eh *ErrHTTP
	if errors.As(err, &eh) && matchesSchemaComplexity(eh.Body) {
		return true
	}
	var el *ErrLLM
	if errors.As(err, &el) && matchesSchemaComplexity(el.Message) {
		return true
	}
	var pe *PipelineError
	return errors.As(err, &pe) && pe.Kind == KindSchemaComplexity
}

func matchesSchemaComplexity(body string) bool {
	b := strings.ToLower(body)
	for _, m := range schemaComplexityMarkers {
		if strings.Contains(b, m) {
			return true
		}
	}
	return false
}
