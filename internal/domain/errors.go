package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the root of every lookup miss
	ErrNotFound = errors.New("not found")

	// ErrJobNotFound is returned when a job cannot be found or is not visible to the caller
	ErrJobNotFound = fmt.Errorf("job %w", ErrNotFound)

	// ErrTemplateNotFound is returned when a template cannot be found or is not visible to the caller
	ErrTemplateNotFound = fmt.Errorf("template %w", ErrNotFound)

	// ErrCertificateNotFound is returned when no certificate matches a lookup
	ErrCertificateNotFound = fmt.Errorf("certificate %w", ErrNotFound)

	// ErrCounterOverflow is returned when recording an outcome would push a job past its total
	ErrCounterOverflow = errors.New("job counters already reached total")

	// ErrUnauthorized is returned when a request signature or token is missing or invalid
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidTemplate is returned when a template definition is rejected
	ErrInvalidTemplate = errors.New("invalid template")
)

// MalformedInputError reports a dataset that cannot be parsed. Line is
// 1-based and counts the header line; zero means the whole input.
type MalformedInputError struct {
	Line   int
	Reason string
}

func (e *MalformedInputError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed input at line %d: %s", e.Line, e.Reason)
	}
	return "malformed input: " + e.Reason
}

// InvalidTransitionError reports a status change the job state machine forbids
type InvalidTransitionError struct {
	JobID string
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s cannot move from %s to %s", e.JobID, e.From, e.To)
}

// QueueUnavailableError wraps a failed batch publish. No task of the batch
// was enqueued.
type QueueUnavailableError struct {
	Err error
}

func (e *QueueUnavailableError) Error() string {
	return "queue unavailable: " + e.Err.Error()
}

func (e *QueueUnavailableError) Unwrap() error {
	return e.Err
}

// Render stages
const (
	StageFetch  = "fetch"
	StageDecode = "decode"
	StageDraw   = "draw"
	StageEncode = "encode"
	StageUpload = "upload"
)

// RenderError reports a failed row render. Permanent errors fail the row
// without another delivery attempt.
type RenderError struct {
	Stage     string
	Permanent bool
	Err       error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Stage, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// NewRenderError creates a transient render error
func NewRenderError(stage string, err error) error {
	return &RenderError{Stage: stage, Err: err}
}

// NewPermanentRenderError creates a render error no retry can fix
func NewPermanentRenderError(stage string, err error) error {
	return &RenderError{Stage: stage, Permanent: true, Err: err}
}

// IsPermanent reports whether err should fail its row immediately
func IsPermanent(err error) bool {
	var renderErr *RenderError
	if errors.As(err, &renderErr) {
		return renderErr.Permanent
	}
	return false
}
