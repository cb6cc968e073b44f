// Package memory keeps jobs, templates and certificates in process memory.
// It backs tests and single-process development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/certgen/internal/domain"
	"github.com/cuongbtq/certgen/internal/ledger"
)

type rowKey struct {
	jobID    string
	rowIndex int
}

// Store is a mutex guarded implementation of the ledger, template and
// catalog stores
type Store struct {
	mu           sync.Mutex
	jobs         map[string]*domain.Job
	templates    map[string]*domain.Template
	certificates map[rowKey]*domain.Certificate
	slugs        map[string]rowKey
	now          func() time.Time
}

// NewStore creates an empty Store
func NewStore() *Store {
	return &Store{
		jobs:         make(map[string]*domain.Job),
		templates:    make(map[string]*domain.Template),
		certificates: make(map[rowKey]*domain.Certificate),
		slugs:        make(map[string]rowKey),
		now:          time.Now,
	}
}

// InsertJob stores a new job
func (s *Store) InsertJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	j := *job
	s.jobs[job.ID] = &j
	return nil
}

// GetJob returns a copy of the job
func (s *Store) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	j := *job
	return &j, nil
}

// ListJobs pages through jobs with the same keyset ordering as the SQL store
func (s *Store) ListJobs(_ context.Context, filter ledger.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil && !before(job, filter.Cursor) {
			continue
		}
		jobs = append(jobs, *job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})

	if limit := filter.PageSize + 1; len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// before reports (created_at, id) < cursor
func before(job *domain.Job, c *ledger.JobCursor) bool {
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.ID < c.JobID
	}
	return job.CreatedAt.Before(c.CreatedAt)
}

// CompareAndSetStatus swaps the status when it matches from
func (s *Store) CompareAndSetStatus(_ context.Context, jobID, from, to, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if job.Status != from {
		return false, nil
	}
	job.Status = to
	if reason != "" {
		job.ErrorMessage = reason
	}
	job.UpdatedAt = s.now().UTC()
	return true, nil
}

// IncrementCounter bumps one counter under the store lock
func (s *Store) IncrementCounter(_ context.Context, jobID string, counter ledger.Counter) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if err := s.bump(job, counter); err != nil {
		return nil, err
	}
	j := *job
	return &j, nil
}

func (s *Store) bump(job *domain.Job, counter ledger.Counter) error {
	if job.Outstanding() <= 0 {
		return domain.ErrCounterOverflow
	}
	if counter == ledger.CounterFailed {
		job.FailedCount++
	} else {
		job.ProcessedCount++
	}
	job.UpdatedAt = s.now().UTC()
	return nil
}

// InsertOutcome stores the certificate and bumps the counter in one critical section
func (s *Store) InsertOutcome(_ context.Context, cert *domain.Certificate, counter ledger.Counter) (*domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[cert.JobID]
	if !ok {
		return nil, false, domain.ErrJobNotFound
	}

	key := rowKey{jobID: cert.JobID, rowIndex: cert.RowIndex}
	if _, exists := s.certificates[key]; exists {
		j := *job
		return &j, false, nil
	}
	if _, taken := s.slugs[cert.Slug]; taken {
		return nil, false, fmt.Errorf("certificate slug %s already exists", cert.Slug)
	}

	if err := s.bump(job, counter); err != nil {
		return nil, false, err
	}

	c := *cert
	s.certificates[key] = &c
	s.slugs[cert.Slug] = key

	j := *job
	return &j, true, nil
}

// FinalizeJob applies the terminal status when the counters reached the total
func (s *Store) FinalizeJob(_ context.Context, jobID string) (*domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusProcessing || job.Outstanding() != 0 {
		j := *job
		return &j, false, nil
	}

	job.Status = domain.TerminalStatus(job.ProcessedCount, job.FailedCount)
	job.UpdatedAt = s.now().UTC()
	j := *job
	return &j, true, nil
}

// InsertTemplate stores a template and its fields
func (s *Store) InsertTemplate(_ context.Context, tpl *domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[tpl.ID]; ok {
		return fmt.Errorf("template %s already exists", tpl.ID)
	}
	s.templates[tpl.ID] = copyTemplate(tpl)
	return nil
}

// GetTemplate returns a copy of the template
func (s *Store) GetTemplate(_ context.Context, templateID string) (*domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.templates[templateID]
	if !ok {
		return nil, domain.ErrTemplateNotFound
	}
	return copyTemplate(tpl), nil
}

// ListTemplates returns the owner's templates, most recent first
func (s *Store) ListTemplates(_ context.Context, ownerID string) ([]domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	templates := make([]domain.Template, 0)
	for _, tpl := range s.templates {
		if tpl.OwnerID == ownerID {
			templates = append(templates, *copyTemplate(tpl))
		}
	}
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].CreatedAt.After(templates[j].CreatedAt)
	})
	return templates, nil
}

func copyTemplate(tpl *domain.Template) *domain.Template {
	t := *tpl
	t.Fields = append([]domain.Field(nil), tpl.Fields...)
	return &t
}

// ListCertificatesByJob returns the job's certificates in no particular order
func (s *Store) ListCertificatesByJob(_ context.Context, jobID string) ([]domain.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var certs []domain.Certificate
	for key, cert := range s.certificates {
		if key.jobID == jobID {
			certs = append(certs, *cert)
		}
	}
	return certs, nil
}

// GetCertificateBySlug looks a certificate up by its public slug
func (s *Store) GetCertificateBySlug(_ context.Context, slug string) (*domain.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.slugs[slug]
	if !ok {
		return nil, domain.ErrCertificateNotFound
	}
	c := *s.certificates[key]
	return &c, nil
}

// GetCertificateByRow returns the outcome recorded for one row
func (s *Store) GetCertificateByRow(_ context.Context, jobID string, rowIndex int) (*domain.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.certificates[rowKey{jobID: jobID, rowIndex: rowIndex}]
	if !ok {
		return nil, domain.ErrCertificateNotFound
	}
	c := *cert
	return &c, nil
}

// CertificateCount returns how many certificates are stored
func (s *Store) CertificateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.certificates)
}
