package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuongbtq/certgen/internal/domain"
)

const certificateColumns = `
	id, job_id, row_index, template_id, recipient_email, recipient_name,
	slug, artifact_url, status, error_message, generated_at
`

func (s *Store) ListCertificatesByJob(ctx context.Context, jobID string) ([]domain.Certificate, error) {
	var certs []domain.Certificate
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE job_id = $1 ORDER BY row_index`

	if err := s.db.SelectContext(ctx, &certs, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}

	return certs, nil
}

func (s *Store) GetCertificateBySlug(ctx context.Context, slug string) (*domain.Certificate, error) {
	return s.getCertificate(ctx, `WHERE slug = $1`, slug)
}

func (s *Store) GetCertificateByRow(ctx context.Context, jobID string, rowIndex int) (*domain.Certificate, error) {
	return s.getCertificate(ctx, `WHERE job_id = $1 AND row_index = $2`, jobID, rowIndex)
}

func (s *Store) getCertificate(ctx context.Context, where string, args ...interface{}) (*domain.Certificate, error) {
	var cert domain.Certificate
	query := `SELECT ` + certificateColumns + ` FROM certificates ` + where

	if err := s.db.GetContext(ctx, &cert, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCertificateNotFound
		}
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}

	return &cert, nil
}
