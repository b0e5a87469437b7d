package state

import (
	"errors"
	"fmt"
	"time"
)

// Task status values. Transitions are owned by the queue and follow
// Pending -> Loading -> Processing -> Completed|Failed, with
// Processing|Loading -> Retrying -> Pending on a retryable failure.
const (
	TaskPending    = "Pending"
	TaskLoading    = "Loading"
	TaskProcessing = "Processing"
	TaskCompleted  = "Completed"
	TaskFailed     = "Failed"
	TaskRetrying   = "Retrying"
)

// Submission priorities.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Output formats accepted in a submission.
const (
	FormatPlaintext  = "txt"
	FormatSRT        = "srt"
	FormatVTT        = "vtt"
	FormatStructured = "json"
)

// NoGPU marks a task that has not been placed on a device.
const NoGPU = -1

// ErrorKind is the stable error taxonomy surfaced to clients.
type ErrorKind string

const (
	ErrInputInvalid        ErrorKind = "InputInvalid"
	ErrResourceUnavailable ErrorKind = "ResourceUnavailable"
	ErrEngineTransient     ErrorKind = "EngineTransient"
	ErrEngineFatal         ErrorKind = "EngineFatal"
	ErrTaskTimeout         ErrorKind = "TaskTimeout"
	ErrClientCancelled     ErrorKind = "ClientCancelled"
	ErrInternal            ErrorKind = "Internal"
)

// Retryable reports whether a failure of this kind may be requeued.
func (k ErrorKind) Retryable() bool {
	return k == ErrEngineTransient || k == ErrResourceUnavailable
}

// TaskError carries a taxonomy kind across the worker boundary.
type TaskError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Errf builds a TaskError with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a taxonomy kind to an underlying error.
func WrapErr(kind ErrorKind, err error, message string) *TaskError {
	return &TaskError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain, defaulting to Internal.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrInternal
}

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
)

// TaskSpec is the immutable submission half of a task.
type TaskSpec struct {
	Files         []string
	Model         string
	Language      string
	OutputFormats []string
	Priority      string
	PreferredGPU  int // NoGPU when the client gave no hint
}

// FileResult holds the transcript payload for one input file.
type FileResult struct {
	File             string
	Text             string
	DetectedLanguage string
	DurationSeconds  float64
	Outputs          map[string]string // format -> rendered output path
}

// TaskResult aggregates per-file results in input order.
type TaskResult struct {
	Files []FileResult
}

// Task is a submission plus its mutable execution state. Records are stored
// and returned by value; callers never share memory with the queue.
type Task struct {
	ID   string
	Spec TaskSpec

	Status           string
	RetryCount       int
	GPU              int
	ReservedGB       float64
	AudioSeconds     float64 // summed probe durations, set at submit
	Progress         int     // 0..100, monotonic outside resets into Retrying
	Message          string
	DownloadProgress int // -1 failed, 0..100 while fetching weights

	CancelRequested bool

	ErrorKind    ErrorKind
	ErrorMessage string
	Result       *TaskResult

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// Terminal reports whether the task reached a final status.
func (t Task) Terminal() bool {
	return IsTerminal(t.Status)
}

// IsTerminal reports whether status is Completed or Failed.
func IsTerminal(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed:
		return true
	default:
		return false
	}
}

// PriorityRank orders priorities for bucket insertion, highest first.
func PriorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ValidPriority reports whether p is an accepted priority value.
func ValidPriority(p string) bool {
	return PriorityRank(p) > 0
}

// ValidFormat reports whether f is an accepted output format.
func ValidFormat(f string) bool {
	switch f {
	case FormatPlaintext, FormatSRT, FormatVTT, FormatStructured:
		return true
	default:
		return false
	}
}

// validTransition is the single authority on the task state machine.
func validTransition(from, to string) bool {
	switch from {
	case TaskPending:
		return to == TaskLoading || to == TaskFailed
	case TaskLoading:
		return to == TaskProcessing || to == TaskFailed || to == TaskRetrying
	case TaskProcessing:
		return to == TaskCompleted || to == TaskFailed || to == TaskRetrying
	case TaskRetrying:
		return to == TaskPending
	default:
		return false
	}
}
