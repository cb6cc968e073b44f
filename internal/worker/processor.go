package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/certgen/internal/domain"
)

const pngContentType = "image/png"

// Handle renders one row. Permanent failures, and any failure when
// finalAttempt is set, are recorded as failed rows and reported through the
// Outcome. Other failures are returned so the transport retries. A row that
// already has an outcome is returned unchanged.
func (w *Worker) Handle(ctx context.Context, task *domain.RenderTask, finalAttempt bool) (*Outcome, error) {
	logger := w.logger.With(
		slog.String("job_id", task.JobID),
		slog.Int("row_index", task.RowIndex),
	)

	// Step 1: Skip rows that already have an outcome
	existing, err := w.certificates.GetByRow(ctx, task.JobID, task.RowIndex)
	if err == nil {
		logger.Info("Row already processed, skipping",
			slog.String("status", existing.Status),
		)
		return &Outcome{Certificate: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing certificate: %w", err)
	}

	// Step 2: Reject tasks no retry could render
	if err := task.Validate(); err != nil {
		return w.fail(ctx, logger, task, domain.NewPermanentRenderError(domain.StageDraw, err))
	}

	// Step 3: Fetch, compose and upload
	start := time.Now()
	artifactURL, err := w.render(ctx, task)
	if err != nil {
		if domain.IsPermanent(err) || finalAttempt {
			return w.fail(ctx, logger, task, err)
		}

		logger.Warn("Render failed, will be retried",
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	// Step 4: Record the certificate and count the row
	cert := newCertificate(task)
	cert.ArtifactURL = artifactURL

	_, recorded, err := w.ledger.RecordProcessed(ctx, cert)
	if err != nil {
		logger.Error("Failed to record certificate",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to record certificate: %w", err)
	}
	if !recorded {
		return w.duplicate(ctx, task)
	}

	logger.Info("Certificate generated",
		slog.String("slug", cert.Slug),
		slog.Duration("elapsed", time.Since(start)),
	)

	return &Outcome{Certificate: cert}, nil
}

// HandleExhausted records a row whose deliveries all failed
func (w *Worker) HandleExhausted(ctx context.Context, task *domain.RenderTask, reason string) (*Outcome, error) {
	logger := w.logger.With(
		slog.String("job_id", task.JobID),
		slog.Int("row_index", task.RowIndex),
	)

	if reason == "" {
		reason = "delivery retries exhausted"
	}
	return w.fail(ctx, logger, task, errors.New(reason))
}

func (w *Worker) render(ctx context.Context, task *domain.RenderTask) (string, error) {
	background, err := w.fetcher.Fetch(ctx, task.BackgroundRef)
	if err != nil {
		return "", err
	}

	img, err := w.renderer.Render(bytes.NewReader(background), task)
	if err != nil {
		return "", err
	}

	// Deterministic key: a redelivered row overwrites its own artifact
	url, err := w.uploader.Put(ctx, domain.ArtifactKey(task.JobID, task.RowIndex), bytes.NewReader(img), int64(len(img)), pngContentType)
	if err != nil {
		return "", domain.NewRenderError(domain.StageUpload, err)
	}

	return url, nil
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, task *domain.RenderTask, cause error) (*Outcome, error) {
	cert := newCertificate(task)
	cert.ErrorMessage = cause.Error()

	_, recorded, err := w.ledger.RecordFailed(ctx, cert)
	if err != nil {
		logger.Error("Failed to record failed row",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to record failed row: %w", err)
	}
	if !recorded {
		return w.duplicate(ctx, task)
	}

	logger.Warn("Row failed",
		slog.String("error", cause.Error()),
	)

	return &Outcome{Certificate: cert, Failed: true}, nil
}

func (w *Worker) duplicate(ctx context.Context, task *domain.RenderTask) (*Outcome, error) {
	existing, err := w.certificates.GetByRow(ctx, task.JobID, task.RowIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing certificate: %w", err)
	}
	return &Outcome{Certificate: existing, Duplicate: true}, nil
}

func newCertificate(task *domain.RenderTask) *domain.Certificate {
	return &domain.Certificate{
		ID:             uuid.New().String(),
		JobID:          task.JobID,
		RowIndex:       task.RowIndex,
		TemplateID:     task.TemplateID,
		RecipientEmail: orUnknown(task.RecipientEmail),
		RecipientName:  orUnknown(task.RecipientName),
		Slug:           strings.ReplaceAll(uuid.New().String(), "-", ""),
	}
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return domain.RecipientUnknown
	}
	return v
}
