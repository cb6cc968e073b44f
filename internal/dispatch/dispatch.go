package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/certgen/internal/dataset"
	"github.com/cuongbtq/certgen/internal/domain"
	"github.com/cuongbtq/certgen/internal/progress"
	"github.com/cuongbtq/certgen/internal/queue"
)

// Delivery contract defaults
const (
	DefaultParallelism     = 10
	DefaultRetries         = 3
	DefaultDeliveryTimeout = 30 * time.Second
)

// Publisher submits a batch of messages atomically: all or none
type Publisher interface {
	PublishBatch(ctx context.Context, msgs []*queue.Message) error
}

// Ledger is the part of the job ledger the dispatcher drives
type Ledger interface {
	MarkDispatched(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, reason string) error
	Finalize(ctx context.Context, jobID string) (bool, error)
}

// Config is the delivery contract attached to every task
type Config struct {
	Parallelism        int
	Retries            int
	DeliveryTimeout    time.Duration
	WebhookURL         string
	FailureCallbackURL string
}

// Receipt summarizes a finished dispatch
type Receipt struct {
	JobID     string
	Published int
	Finalized bool
}

// Dispatcher fans a job out into render tasks
type Dispatcher struct {
	publisher Publisher
	ledger    Ledger
	config    Config
	logger    *slog.Logger
}

// New creates a Dispatcher, filling zero config values with defaults
func New(publisher Publisher, ledger Ledger, config Config, logger *slog.Logger) *Dispatcher {
	if config.Parallelism <= 0 {
		config.Parallelism = DefaultParallelism
	}
	if config.Retries <= 0 {
		config.Retries = DefaultRetries
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = DefaultDeliveryTimeout
	}

	return &Dispatcher{
		publisher: publisher,
		ledger:    ledger,
		config:    config,
		logger:    logger,
	}
}

// Dispatch publishes one task per row as a single batch and moves the job
// to processing. If the batch is rejected the job is failed and a
// *domain.QueueUnavailableError returned. Cancelling ctx does not stop a
// dispatch in progress.
func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.Job, tpl *domain.Template, rows []dataset.Row, sink progress.Sink) (*Receipt, error) {
	ctx = context.WithoutCancel(ctx)
	if sink == nil {
		sink = progress.Discard
	}

	logger := d.logger.With(slog.String("job_id", job.ID))
	total := len(rows)

	if total != job.TotalRecords {
		return nil, fmt.Errorf("job %s expects %d rows, got %d", job.ID, job.TotalRecords, total)
	}

	d.emit(logger, sink, progress.Dispatching(total))

	if total > 0 {
		msgs, err := d.buildMessages(job, tpl, rows)
		if err != nil {
			return nil, d.fail(ctx, logger, sink, job.ID, err)
		}

		start := time.Now()
		if err := d.publisher.PublishBatch(ctx, msgs); err != nil {
			return nil, d.fail(ctx, logger, sink, job.ID, &domain.QueueUnavailableError{Err: err})
		}

		logger.Info("Render tasks published",
			slog.Int("tasks", total),
			slog.Duration("elapsed", time.Since(start)),
		)
	}

	d.emit(logger, sink, progress.Dispatched(total, total))

	if err := d.ledger.MarkDispatched(ctx, job.ID); err != nil {
		logger.Error("Failed to mark job dispatched", slog.Any("error", err))
		d.emit(logger, sink, progress.Failed(job.ID, "Failed to update job status", err))
		return nil, err
	}

	// Covers empty jobs and rows that finished before the status flip
	finalized, err := d.ledger.Finalize(ctx, job.ID)
	if err != nil {
		logger.Error("Failed to finalize job", slog.Any("error", err))
	}

	d.emit(logger, sink, progress.Done(job.ID, fmt.Sprintf("%d tasks queued for rendering", total)))

	return &Receipt{
		JobID:     job.ID,
		Published: total,
		Finalized: finalized,
	}, nil
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, sink progress.Sink, jobID string, cause error) error {
	logger.Error("Dispatch failed", slog.Any("error", cause))

	if err := d.ledger.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		logger.Error("Failed to mark job failed", slog.Any("error", err))
	}

	d.emit(logger, sink, progress.Failed(jobID, "Failed to dispatch render tasks", cause))
	return cause
}

func (d *Dispatcher) emit(logger *slog.Logger, sink progress.Sink, e progress.Event) {
	if err := sink.Emit(e); err != nil {
		logger.Warn("Progress notification lost", slog.Any("error", err))
	}
}

func (d *Dispatcher) buildMessages(job *domain.Job, tpl *domain.Template, rows []dataset.Row) ([]*queue.Message, error) {
	msgs := make([]*queue.Message, len(rows))
	for i, task := range BuildTasks(job, tpl, rows) {
		body, err := json.Marshal(task)
		if err != nil {
			return nil, fmt.Errorf("failed to encode task %d: %w", i, err)
		}

		msgs[i] = &queue.Message{
			ID:              task.DedupKey(),
			Body:            body,
			FlowKey:         queue.FlowKey(job.ID),
			Parallelism:     d.config.Parallelism,
			Retries:         d.config.Retries,
			Timeout:         d.config.DeliveryTimeout,
			Attempt:         1,
			Destination:     d.config.WebhookURL,
			FailureCallback: d.config.FailureCallbackURL,
		}
	}
	return msgs, nil
}

// BuildTasks resolves one render task per row
func BuildTasks(job *domain.Job, tpl *domain.Template, rows []dataset.Row) []domain.RenderTask {
	tasks := make([]domain.RenderTask, len(rows))
	for i, row := range rows {
		tasks[i] = domain.RenderTask{
			JobID:          job.ID,
			RowIndex:       i,
			TemplateID:     tpl.ID,
			OwnerID:        job.OwnerID,
			TotalRecords:   len(rows),
			RecipientEmail: recipient(row, domain.ColumnEmail),
			RecipientName:  recipient(row, domain.ColumnName),
			BackgroundRef:  tpl.BackgroundRef,
			CanvasWidth:    tpl.CanvasWidth,
			CanvasHeight:   tpl.CanvasHeight,
			Fields:         ResolveFields(tpl, row),
		}
	}
	return tasks
}

// ResolveFields converts relative field positions to canvas pixels and
// attaches the row value, "" when the row lacks the column
func ResolveFields(tpl *domain.Template, row dataset.Row) []domain.AbsoluteField {
	fields := make([]domain.AbsoluteField, len(tpl.Fields))
	for i, f := range tpl.Fields {
		fields[i] = domain.AbsoluteField{
			Key:        f.Key,
			Value:      row[f.Key],
			AbsX:       f.RelativeX / 100 * float64(tpl.CanvasWidth),
			AbsY:       f.RelativeY / 100 * float64(tpl.CanvasHeight),
			FontFamily: f.FontFamily,
			FontSize:   f.FontSize,
			Color:      f.Color,
			Align:      f.Align,
		}
	}
	return fields
}

func recipient(row dataset.Row, column string) string {
	if v := row.Get(column); v != "" {
		return v
	}
	return domain.RecipientUnknown
}
