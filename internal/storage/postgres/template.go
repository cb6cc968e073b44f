package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/certgen/internal/domain"
)

const templateColumns = `
	id, owner_id, title, slug, background_ref, canvas_width, canvas_height, created_at
`

const fieldColumns = `
	template_id, position, field_key, relative_x, relative_y,
	font_size, color, font_family, align
`

func (s *Store) InsertTemplate(ctx context.Context, tpl *domain.Template) error {
	tx, err := s.client.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO templates (` + templateColumns + `)
		VALUES (
			:id, :owner_id, :title, :slug, :background_ref,
			:canvas_width, :canvas_height, :created_at
		)
	`
	if _, err := tx.NamedExecContext(ctx, query, tpl); err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}

	if len(tpl.Fields) > 0 {
		query = `
			INSERT INTO template_fields (` + fieldColumns + `)
			VALUES (
				:template_id, :position, :field_key, :relative_x, :relative_y,
				:font_size, :color, :font_family, :align
			)
		`
		if _, err := tx.NamedExecContext(ctx, query, tpl.Fields); err != nil {
			return fmt.Errorf("failed to insert template fields: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit template: %w", err)
	}

	return nil
}

func (s *Store) GetTemplate(ctx context.Context, templateID string) (*domain.Template, error) {
	var tpl domain.Template
	query := `SELECT ` + templateColumns + ` FROM templates WHERE id = $1`

	if err := s.db.GetContext(ctx, &tpl, query, templateID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	fields, err := s.fieldsOf(ctx, []string{tpl.ID})
	if err != nil {
		return nil, err
	}
	tpl.Fields = fields[tpl.ID]

	return &tpl, nil
}

func (s *Store) ListTemplates(ctx context.Context, ownerID string) ([]domain.Template, error) {
	templates := []domain.Template{}
	query := `SELECT ` + templateColumns + ` FROM templates WHERE owner_id = $1 ORDER BY created_at DESC`

	if err := s.db.SelectContext(ctx, &templates, query, ownerID); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	if len(templates) == 0 {
		return templates, nil
	}

	ids := make([]string, len(templates))
	for i := range templates {
		ids[i] = templates[i].ID
	}

	fields, err := s.fieldsOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range templates {
		templates[i].Fields = fields[templates[i].ID]
	}

	return templates, nil
}

func (s *Store) fieldsOf(ctx context.Context, templateIDs []string) (map[string][]domain.Field, error) {
	query, args, err := sqlx.In(`SELECT `+fieldColumns+` FROM template_fields WHERE template_id IN (?) ORDER BY template_id, position`, templateIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build fields query: %w", err)
	}

	var rows []domain.Field
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get template fields: %w", err)
	}

	fields := make(map[string][]domain.Field, len(templateIDs))
	for _, f := range rows {
		fields[f.TemplateID] = append(fields[f.TemplateID], f)
	}
	return fields, nil
}
