package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuongbtq/certgen/internal/domain"
)

// Store reads persisted certificates
type Store interface {
	ListCertificatesByJob(ctx context.Context, jobID string) ([]domain.Certificate, error)
	GetCertificateBySlug(ctx context.Context, slug string) (*domain.Certificate, error)
	GetCertificateByRow(ctx context.Context, jobID string, rowIndex int) (*domain.Certificate, error)
}

// Catalog is the read-only query surface over certificates
type Catalog struct {
	store Store
}

// New creates a Catalog
func New(store Store) *Catalog {
	return &Catalog{store: store}
}

// ListByJob returns a job's certificates ordered by row index. A job without
// certificates yields domain.ErrCertificateNotFound.
func (c *Catalog) ListByJob(ctx context.Context, jobID string) ([]domain.Certificate, error) {
	certs, err := c.store.ListCertificatesByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	if len(certs) == 0 {
		return nil, domain.ErrCertificateNotFound
	}

	sort.Slice(certs, func(i, j int) bool {
		return certs[i].RowIndex < certs[j].RowIndex
	})
	return certs, nil
}

// GetBySlug returns the certificate with the given public slug
func (c *Catalog) GetBySlug(ctx context.Context, slug string) (*domain.Certificate, error) {
	if slug == "" {
		return nil, domain.ErrCertificateNotFound
	}
	return c.store.GetCertificateBySlug(ctx, slug)
}

// GetByRow returns the recorded outcome of one row
func (c *Catalog) GetByRow(ctx context.Context, jobID string, rowIndex int) (*domain.Certificate, error) {
	return c.store.GetCertificateByRow(ctx, jobID, rowIndex)
}
