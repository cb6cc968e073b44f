package worker

import (
	"context"
	"io"
	"log/slog"

	"github.com/cuongbtq/certgen/internal/domain"
)

// Ledger records row outcomes
type Ledger interface {
	RecordProcessed(ctx context.Context, cert *domain.Certificate) (*domain.Job, bool, error)
	RecordFailed(ctx context.Context, cert *domain.Certificate) (*domain.Job, bool, error)
}

// Certificates looks up an already recorded row outcome
type Certificates interface {
	GetByRow(ctx context.Context, jobID string, rowIndex int) (*domain.Certificate, error)
}

// Fetcher loads a template background
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Renderer composes a certificate image
type Renderer interface {
	Render(background io.Reader, task *domain.RenderTask) ([]byte, error)
}

// Uploader stores rendered artifacts
type Uploader interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// Config holds worker dependencies
type Config struct {
	Logger       *slog.Logger
	Ledger       Ledger
	Certificates Certificates
	Fetcher      Fetcher
	Renderer     Renderer
	Uploader     Uploader
}

// Worker renders one task per call. It is safe for concurrent use.
type Worker struct {
	logger       *slog.Logger
	ledger       Ledger
	certificates Certificates
	fetcher      Fetcher
	renderer     Renderer
	uploader     Uploader
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:       cfg.Logger,
		ledger:       cfg.Ledger,
		certificates: cfg.Certificates,
		fetcher:      cfg.Fetcher,
		renderer:     cfg.Renderer,
		uploader:     cfg.Uploader,
	}
}

// Outcome describes what Handle did with a task
type Outcome struct {
	Certificate *domain.Certificate
	// Duplicate is set when the row already had an outcome
	Duplicate bool
	// Failed is set when the row was recorded as failed
	Failed bool
}
