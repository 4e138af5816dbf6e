package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/MimeLyc/storyreel/internal/backend"
)

var (
	// ErrJobInProgress is returned when a submission is attempted while a job
	// is still being submitted or polled.
	ErrJobInProgress = errors.New("a generation job is already in progress")
	// ErrCancelled is returned by Submit when the tracker was cancelled while
	// the submission request was in flight.
	ErrCancelled = errors.New("job tracking cancelled")
	// ErrNoJob is returned by Wait when nothing was ever submitted.
	ErrNoJob = errors.New("no job submitted")
)

// State is the tracker's lifecycle position for the current job.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Cause distinguishes why a job ended in StateFailed.
type Cause string

const (
	CauseNone     Cause = ""
	CauseSubmit   Cause = "submit"
	CausePoll     Cause = "poll"
	CauseBackend  Cause = "backend"
	CauseNotFound Cause = "not_found"
)

// Job is a snapshot of one tracked backend job.
type Job struct {
	// ID addresses the job for polling and download. It is cleared when the
	// backend reports the job failed.
	ID string `json:"id,omitempty"`
	// AssignedID is the id the backend returned at submission; never cleared.
	AssignedID string         `json:"assigned_id,omitempty"`
	Mode       backend.Mode   `json:"mode,omitempty"`
	Label      string         `json:"label,omitempty"`
	Extension  string         `json:"extension,omitempty"`
	State      State          `json:"state"`
	Status     backend.Status `json:"status,omitempty"`
	Progress   int            `json:"progress"`
	Message    string         `json:"message,omitempty"`
	Cause      Cause          `json:"cause,omitempty"`
	Error      string         `json:"error,omitempty"`
	Generation uint64         `json:"generation"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Active reports whether the job is being submitted or polled.
func (j Job) Active() bool {
	return j.State == StateSubmitting || j.State == StatePolling
}

// Terminal reports whether the job reached completed or failed.
func (j Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// Downloadable reports whether the artifact can be retrieved.
func (j Job) Downloadable() bool {
	return j.State == StateCompleted && j.ID != ""
}

// DefaultMessage is shown when the backend omits a status message.
func DefaultMessage(status backend.Status, progress int, raw string) string {
	switch status {
	case backend.StatusQueued:
		return "Job is queued for processing..."
	case backend.StatusProcessing:
		return fmt.Sprintf("Processing... %d%% complete", progress)
	case backend.StatusCompleted:
		return "Generation completed successfully!"
	case backend.StatusFailed:
		return "Generation failed. Please try again."
	default:
		if raw == "" {
			raw = string(status)
		}
		return fmt.Sprintf("Status: %s", raw)
	}
}
