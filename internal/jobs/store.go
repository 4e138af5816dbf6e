package jobs

import (
	"context"
	"time"

	"github.com/MimeLyc/storyreel/pkg/log"
)

// Store persists tracked job snapshots as history.
type Store interface {
	UpsertJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, assignedID string) (Job, bool, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
	DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Recorder returns a tracker subscriber writing every snapshot that has a
// backend-assigned id to store.
func Recorder(store Store) func(Job) {
	return func(job Job) {
		if store == nil || job.AssignedID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.UpsertJob(ctx, job); err != nil {
			log.Error("Failed to record job %s: %v", job.AssignedID, err)
		}
	}
}
