package clone

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the lifecycle, orchestrator, and storage layers.
var (
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrValidation            = errors.New("validation failed")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrNotWorker             = errors.New("job is owned by another worker")
	ErrJobPaused             = errors.New("job is paused")
	ErrStopRequested         = errors.New("job stop requested")
	ErrVerificationRecorded  = errors.New("verification already recorded")
	ErrVerificationPending   = errors.New("verification not yet recorded")
	ErrVerificationForbidden = errors.New("verification not allowed in current state")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransitionError reports an operation attempted from a state that does not allow it.
type TransitionError struct {
	JobID string
	From  JobStatus
	Op    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s job %s in state %s", e.Op, e.JobID, e.From)
}

// Is lets errors.Is(err, ErrInvalidTransition) match any TransitionError.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
