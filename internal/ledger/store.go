package ledger

import (
	"context"
	"time"

	"github.com/cuongbtq/certgen/internal/domain"
)

// Counter selects which job counter an outcome bumps
type Counter int

const (
	CounterProcessed Counter = iota
	CounterFailed
)

func (c Counter) String() string {
	if c == CounterFailed {
		return "failed"
	}
	return "processed"
}

// JobFilter narrows ListJobs. Results are ordered by created_at DESC, id DESC.
type JobFilter struct {
	OwnerID  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last job on the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Store persists jobs. Every mutating method must be a single atomic
// operation against the backing store.
type Store interface {
	InsertJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	// ListJobs returns up to PageSize+1 jobs so callers can detect another page
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	// CompareAndSetStatus moves a job from one status to another and reports
	// whether the job was in the expected status
	CompareAndSetStatus(ctx context.Context, jobID, from, to, reason string) (bool, error)
	// IncrementCounter bumps one counter unless the counters already reached
	// the total, in which case it returns domain.ErrCounterOverflow
	IncrementCounter(ctx context.Context, jobID string, counter Counter) (*domain.Job, error)
	// InsertOutcome stores a certificate and bumps the counter together. When a
	// certificate for the same (job, row) exists nothing changes and recorded is false.
	InsertOutcome(ctx context.Context, cert *domain.Certificate, counter Counter) (job *domain.Job, recorded bool, err error)
	// FinalizeJob moves a processing job whose counters reached the total to
	// its terminal status. It reports false when another caller already did.
	FinalizeJob(ctx context.Context, jobID string) (*domain.Job, bool, error)
}
