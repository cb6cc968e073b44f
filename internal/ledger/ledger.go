package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/certgen/internal/domain"
)

// Ledger owns the job state machine:
//
//	pending -> processing -> completed | completed_with_errors | failed
//	pending -> failed
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger
func New(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// CreateJob records a new pending job
func (l *Ledger) CreateJob(ctx context.Context, ownerID, templateID string, totalRecords int) (*domain.Job, error) {
	if totalRecords < 0 {
		return nil, fmt.Errorf("total records must not be negative")
	}

	now := l.now().UTC()
	job := &domain.Job{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		TemplateID:   templateID,
		Status:       domain.JobStatusPending,
		TotalRecords: totalRecords,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := l.store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	l.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("template_id", templateID),
		slog.Int("total_records", totalRecords),
	)

	return job, nil
}

// MarkDispatched moves a job from pending to processing once all of its
// tasks are enqueued
func (l *Ledger) MarkDispatched(ctx context.Context, jobID string) error {
	return l.transition(ctx, jobID, domain.JobStatusPending, domain.JobStatusProcessing, "")
}

// MarkFailed fails a job that never got dispatched
func (l *Ledger) MarkFailed(ctx context.Context, jobID, reason string) error {
	return l.transition(ctx, jobID, domain.JobStatusPending, domain.JobStatusFailed, reason)
}

func (l *Ledger) transition(ctx context.Context, jobID, from, to, reason string) error {
	ok, err := l.store.CompareAndSetStatus(ctx, jobID, from, to, reason)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	if !ok {
		job, err := l.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return &domain.InvalidTransitionError{JobID: jobID, From: job.Status, To: to}
	}

	l.logger.Info("Job status changed",
		slog.String("job_id", jobID),
		slog.String("from", from),
		slog.String("to", to),
	)
	return nil
}

// IncrementProcessed counts one successful row and finalizes the job when
// it was the last outstanding one
func (l *Ledger) IncrementProcessed(ctx context.Context, jobID string) (*domain.Job, error) {
	return l.increment(ctx, jobID, CounterProcessed)
}

// IncrementFailed counts one failed row and finalizes the job when it was
// the last outstanding one
func (l *Ledger) IncrementFailed(ctx context.Context, jobID string) (*domain.Job, error) {
	return l.increment(ctx, jobID, CounterFailed)
}

func (l *Ledger) increment(ctx context.Context, jobID string, counter Counter) (*domain.Job, error) {
	job, err := l.store.IncrementCounter(ctx, jobID, counter)
	if err != nil {
		return nil, fmt.Errorf("failed to increment %s count: %w", counter, err)
	}

	return l.finalizeIfDone(ctx, job)
}

// RecordProcessed stores a generated certificate and counts its row. A
// redelivered row is reported as not recorded and leaves counters untouched.
func (l *Ledger) RecordProcessed(ctx context.Context, cert *domain.Certificate) (*domain.Job, bool, error) {
	cert.Status = domain.CertificateStatusGenerated
	return l.record(ctx, cert, CounterProcessed)
}

// RecordFailed stores the failure outcome of a row and counts it
func (l *Ledger) RecordFailed(ctx context.Context, cert *domain.Certificate) (*domain.Job, bool, error) {
	cert.Status = domain.CertificateStatusFailed
	cert.ArtifactURL = ""
	return l.record(ctx, cert, CounterFailed)
}

func (l *Ledger) record(ctx context.Context, cert *domain.Certificate, counter Counter) (*domain.Job, bool, error) {
	if cert.GeneratedAt.IsZero() {
		cert.GeneratedAt = l.now().UTC()
	}

	job, recorded, err := l.store.InsertOutcome(ctx, cert, counter)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record %s row: %w", counter, err)
	}

	if !recorded {
		l.logger.Info("Row outcome already recorded",
			slog.String("job_id", cert.JobID),
			slog.Int("row_index", cert.RowIndex),
		)
	}

	// A redelivery still retries finalization in case the first attempt
	// stopped between recording and finalizing.
	job, err = l.finalizeIfDone(ctx, job)
	if err != nil {
		return nil, recorded, err
	}

	return job, recorded, nil
}

func (l *Ledger) finalizeIfDone(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job.Outstanding() > 0 || job.Status != domain.JobStatusProcessing {
		return job, nil
	}

	finalized, _, err := l.finalize(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if finalized != nil {
		return finalized, nil
	}
	return job, nil
}

// Finalize sets the terminal status of a processing job whose counters
// reached its total. It reports whether this call made the transition;
// concurrent callers observe false.
func (l *Ledger) Finalize(ctx context.Context, jobID string) (bool, error) {
	_, ok, err := l.finalize(ctx, jobID)
	return ok, err
}

func (l *Ledger) finalize(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	job, ok, err := l.store.FinalizeJob(ctx, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to finalize job: %w", err)
	}

	if ok {
		l.logger.Info("Job finalized",
			slog.String("job_id", jobID),
			slog.String("status", job.Status),
			slog.Int("processed", job.ProcessedCount),
			slog.Int("failed", job.FailedCount),
		)
	}

	return job, ok, nil
}

// GetJob returns a job by id
func (l *Ledger) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return l.store.GetJob(ctx, jobID)
}

// GetOwnedJob returns a job only if it belongs to ownerID
func (l *Ledger) GetOwnedJob(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns one page of jobs, most recent first, and whether another page exists
func (l *Ledger) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, bool, error) {
	jobs, err := l.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list jobs: %w", err)
	}

	hasMore := len(jobs) > filter.PageSize
	if hasMore {
		jobs = jobs[:filter.PageSize]
	}
	return jobs, hasMore, nil
}
