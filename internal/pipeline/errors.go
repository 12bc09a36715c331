package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	// ErrSuperseded is the cancellation cause for runs replaced by a newer trigger.
	ErrSuperseded = errors.New("superseded by a newer trigger")

	// ErrRunNotFound is returned when a run identifier is unknown.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunTerminal is returned when an operation targets a finished run.
	ErrRunTerminal = errors.New("run is terminal")

	// ErrGatePassed is returned when an approval arrives after its gate opened.
	ErrGatePassed = errors.New("stage gate already passed")

	// ErrNotReviewer is returned when an approver is outside the reviewer set.
	ErrNotReviewer = errors.New("approver is not a configured reviewer")

	// ErrNoApprovalGate is returned when a stage does not accept approvals.
	ErrNoApprovalGate = errors.New("stage has no approval gate")

	// ErrInvalidTrigger is returned when a trigger is missing required fields.
	ErrInvalidTrigger = errors.New("invalid trigger")
)

// ConfigurationError reports an invalid project graph or pipeline setting.
// It is fatal at startup and never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError with a formatted reason.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientCollaboratorError wraps a failure that may succeed on retry,
// such as a timeout or a dropped connection.
type TransientCollaboratorError struct {
	Operation string
	Err       error
}

func (e *TransientCollaboratorError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Operation, e.Err)
}

func (e *TransientCollaboratorError) Unwrap() error {
	return e.Err
}

// DeterministicCollaboratorError is a failure the collaborator reported
// explicitly, such as a failing test suite. Retrying will not help.
type DeterministicCollaboratorError struct {
	Operation string
	Detail    string
	Err       error
}

func (e *DeterministicCollaboratorError) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: failed: %s", e.Operation, e.Detail)
	case e.Detail == "":
		return fmt.Sprintf("%s: failed: %v", e.Operation, e.Err)
	default:
		return fmt.Sprintf("%s: failed: %s (%v)", e.Operation, e.Detail, e.Err)
	}
}

func (e *DeterministicCollaboratorError) Unwrap() error {
	return e.Err
}

// GateRejection is an explicit human or policy decision to stop a run.
// It is terminal but is not a defect.
type GateRejection struct {
	Stage  Stage
	Reason string
}

func (e *GateRejection) Error() string {
	return fmt.Sprintf("gate for %s rejected: %s", e.Stage, e.Reason)
}

// SupersededError identifies the run that replaced a cancelled one.
type SupersededError struct {
	RunID string
	By    string
}

func (e *SupersededError) Error() string {
	return fmt.Sprintf("run %s superseded by %s", e.RunID, e.By)
}

// Is lets errors.Is(err, ErrSuperseded) match.
func (e *SupersededError) Is(target error) bool {
	return target == ErrSuperseded
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientCollaboratorError
	return errors.As(err, &te)
}

// IsDeterministic reports whether err is a final collaborator verdict.
func IsDeterministic(err error) bool {
	var de *DeterministicCollaboratorError
	return errors.As(err, &de)
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
