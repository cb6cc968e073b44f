package template

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/certgen/internal/domain"
)

const maxSlugTitle = 50

var (
	whitespace   = regexp.MustCompile(`\s+`)
	invalidChars = regexp.MustCompile(`[^a-z0-9-]`)
)

// Store persists templates together with their fields
type Store interface {
	InsertTemplate(ctx context.Context, tpl *domain.Template) error
	GetTemplate(ctx context.Context, templateID string) (*domain.Template, error)
	ListTemplates(ctx context.Context, ownerID string) ([]domain.Template, error)
}

// CreateParams describes a new template
type CreateParams struct {
	OwnerID       string
	Title         string
	BackgroundRef string
	CanvasWidth   int
	CanvasHeight  int
	FontFamily    string
	Fields        []domain.Field
}

// Service creates and reads templates
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a template Service
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// Create validates and stores a template. FontFamily is the default for
// fields that do not name one.
func (s *Service) Create(ctx context.Context, params CreateParams) (*domain.Template, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrInvalidTemplate)
	}
	if params.CanvasWidth <= 0 || params.CanvasHeight <= 0 {
		return nil, fmt.Errorf("%w: canvas size must be positive", domain.ErrInvalidTemplate)
	}
	if params.BackgroundRef == "" {
		return nil, fmt.Errorf("%w: background is required", domain.ErrInvalidTemplate)
	}

	id := uuid.New().String()
	fields := make([]domain.Field, len(params.Fields))
	for i, f := range params.Fields {
		if f.FontFamily == "" {
			f.FontFamily = params.FontFamily
		}
		if err := f.Normalize(); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTemplate, err)
		}
		f.TemplateID = id
		f.Position = i
		fields[i] = f
	}

	tpl := &domain.Template{
		ID:            id,
		OwnerID:       params.OwnerID,
		Title:         title,
		Slug:          Slugify(title),
		BackgroundRef: params.BackgroundRef,
		CanvasWidth:   params.CanvasWidth,
		CanvasHeight:  params.CanvasHeight,
		Fields:        fields,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.store.InsertTemplate(ctx, tpl); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	s.logger.Info("Template created",
		slog.String("template_id", tpl.ID),
		slog.String("slug", tpl.Slug),
		slog.Int("fields", len(fields)),
	)

	return tpl, nil
}

// Get returns a template by id
func (s *Service) Get(ctx context.Context, templateID string) (*domain.Template, error) {
	return s.store.GetTemplate(ctx, templateID)
}

// GetOwned returns a template only if it belongs to ownerID
func (s *Service) GetOwned(ctx context.Context, templateID, ownerID string) (*domain.Template, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tpl.OwnerID != ownerID {
		return nil, domain.ErrTemplateNotFound
	}
	return tpl, nil
}

// ListByOwner returns the owner's templates, most recent first
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]domain.Template, error) {
	templates, err := s.store.ListTemplates(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return templates, nil
}

// Slugify turns a title into a kebab-case slug with a random suffix
func Slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = whitespace.ReplaceAllString(s, "-")
	s = invalidChars.ReplaceAllString(s, "")
	if len(s) > maxSlugTitle {
		s = s[:maxSlugTitle]
	}

	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	if s == "" {
		return suffix
	}
	return s + "-" + suffix
}
