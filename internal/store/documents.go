package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const EmptyDocContent = `{"type":"doc","content":[]}`

const documentColumns = `id, project_id, title, content, is_main_gdd, updated_by, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (ProjectDocument, error) {
	var (
		item    ProjectDocument
		content []byte
	)
	if err := row.Scan(&item.ID, &item.ProjectID, &item.Title, &content, &item.IsMainGDD, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return ProjectDocument{}, err
	}
	item.Content = json.RawMessage(content)
	return item, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, projectID string) ([]ProjectDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM project_documents WHERE project_id=$1 ORDER BY updated_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectDocument, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (ProjectDocument, error) {
	return scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM project_documents WHERE id=$1`, documentID))
}

func (s *PostgresStore) GetMainDocument(ctx context.Context, projectID string) (ProjectDocument, error) {
	return scanDocument(s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM project_documents WHERE project_id=$1 AND is_main_gdd
	`, projectID))
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc ProjectDocument) (ProjectDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO project_documents (project_id, title, content, updated_by)
		VALUES ($1, $2, $3::jsonb, $4)
		RETURNING `+documentColumns,
		doc.ProjectID, doc.Title, rawOrDefault(doc.Content, EmptyDocContent), doc.UpdatedBy)
	created, err := scanDocument(row)
	if err != nil {
		return ProjectDocument{}, fmt.Errorf("insert document: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, doc ProjectDocument) (ProjectDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE project_documents SET title=$2, content=$3::jsonb, updated_by=$4, updated_at=NOW()
		WHERE id=$1
		RETURNING `+documentColumns,
		doc.ID, doc.Title, rawOrDefault(doc.Content, EmptyDocContent), doc.UpdatedBy)
	updated, err := scanDocument(row)
	if err != nil {
		return ProjectDocument{}, fmt.Errorf("update document: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return expectRow(res)
}

// SetMainDocument clears the main flag on the project's other documents and
// sets it on documentID.
func (s *PostgresStore) SetMainDocument(ctx context.Context, projectID, documentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE project_documents SET is_main_gdd=FALSE WHERE project_id=$1 AND id<>$2 AND is_main_gdd
		`, projectID, documentID); err != nil {
			return fmt.Errorf("clear main document: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE project_documents SET is_main_gdd=TRUE WHERE project_id=$1 AND id=$2
		`, projectID, documentID)
		if err != nil {
			return fmt.Errorf("set main document: %w", err)
		}
		return expectRow(res)
	})
}

func (s *PostgresStore) DocumentTitles(ctx context.Context, projectID string) ([]string, error) {
	return s.listStrings(ctx, `SELECT title FROM project_documents WHERE project_id=$1 ORDER BY created_at ASC`, projectID)
}

func scanTemplate(row interface{ Scan(...any) error }) (GDDTemplate, error) {
	var (
		item    GDDTemplate
		content []byte
	)
	if err := row.Scan(&item.ID, &item.Slug, &item.Name, &item.Description, &item.Category, &content, &item.CreatedAt); err != nil {
		return GDDTemplate{}, err
	}
	item.Content = json.RawMessage(content)
	return item, nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context, category string) ([]GDDTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, name, description, category, content, created_at
		FROM gdd_templates
		WHERE ($1 = '' OR category = $1)
		ORDER BY created_at DESC
	`, category)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	items := make([]GDDTemplate, 0)
	for rows.Next() {
		item, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (GDDTemplate, error) {
	return scanTemplate(s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, description, category, content, created_at FROM gdd_templates WHERE id=$1
	`, templateID))
}

// UpsertTemplate inserts or refreshes a template keyed by slug.
func (s *PostgresStore) UpsertTemplate(ctx context.Context, tpl GDDTemplate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gdd_templates (slug, name, description, category, content)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (slug) DO UPDATE SET name=EXCLUDED.name, description=EXCLUDED.description,
			category=EXCLUDED.category, content=EXCLUDED.content
	`, tpl.Slug, tpl.Name, tpl.Description, tpl.Category, rawOrDefault(tpl.Content, EmptyDocContent))
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}
