package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const projectColumns = `p.id, p.name, p.description, p.workspace_id, p.owner_id, p.is_public, p.public_settings, p.cover_image, p.created_at, p.updated_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var (
		item     Project
		settings []byte
	)
	if err := row.Scan(&item.ID, &item.Name, &item.Description, &item.WorkspaceID, &item.OwnerID,
		&item.IsPublic, &settings, &item.CoverImage, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Project{}, err
	}
	if len(settings) > 0 && string(settings) != "null" {
		var ps PublicSettings
		if err := json.Unmarshal(settings, &ps); err == nil {
			item.PublicSettings = &ps
		}
	}
	return item, nil
}

var defaultColumns = []string{"Todo", "In Progress", "Done"}

// CreateProject inserts the project and seeds its default board columns.
func (s *PostgresStore) CreateProject(ctx context.Context, project Project) (Project, error) {
	var created Project
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO projects AS p (name, description, workspace_id, owner_id, cover_image)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+projectColumns,
			project.Name, project.Description, project.WorkspaceID, project.OwnerID, project.CoverImage)
		var err error
		created, err = scanProject(row)
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		for i, name := range defaultColumns {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_columns (project_id, name, order_index) VALUES ($1, $2, $3)
			`, created.ID, name, i); err != nil {
				return fmt.Errorf("seed column: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Project{}, err
	}
	return created, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id=$1`, projectID))
}

// ListProjectsForUser returns projects in every workspace the user belongs to.
func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects p
		JOIN workspace_members m ON m.workspace_id = p.workspace_id
		WHERE m.user_id = $1
		ORDER BY p.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		item, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ProjectIDsForUser lists ids of every project the user can read.
func (s *PostgresStore) ProjectIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id FROM projects p
		JOIN workspace_members m ON m.workspace_id = p.workspace_id
		WHERE m.user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list project ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project Project) (Project, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE projects AS p SET name=$2, description=$3, cover_image=$4, updated_at=NOW()
		WHERE p.id=$1
		RETURNING `+projectColumns,
		project.ID, project.Name, project.Description, project.CoverImage)
	updated, err := scanProject(row)
	if err != nil {
		return Project{}, fmt.Errorf("update project: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) UpdatePublicSettings(ctx context.Context, projectID string, isPublic bool, settings *PublicSettings) (Project, error) {
	var encoded any
	if settings != nil {
		raw, err := encodeJSON(settings)
		if err != nil {
			return Project{}, err
		}
		encoded = raw
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE projects AS p SET is_public=$2, public_settings=COALESCE($3::jsonb, p.public_settings), updated_at=NOW()
		WHERE p.id=$1
		RETURNING `+projectColumns,
		projectID, isPublic, encoded)
	updated, err := scanProject(row)
	if err != nil {
		return Project{}, fmt.Errorf("update public settings: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) TouchProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET updated_at=NOW() WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return expectRow(res)
}

// CountProjectRows counts rows of one project-scoped table.
func (s *PostgresStore) CountProjectRows(ctx context.Context, table, projectID string) (int, error) {
	switch table {
	case "world_nodes", "world_connections", "systems", "tasks", "project_documents", "milestones":
	default:
		return 0, fmt.Errorf("count rows: unknown table %q", table)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE project_id=$1`, projectID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

// DocumentContentLengths returns the byte length of every document's JSON content.
func (s *PostgresStore) DocumentContentLengths(ctx context.Context, projectID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT LENGTH(content::text) FROM project_documents WHERE project_id=$1`, projectID)
	if err != nil {
		return nil, fmt.Errorf("document lengths: %w", err)
	}
	defer rows.Close()

	items := make([]int, 0)
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan document length: %w", err)
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (s *PostgresStore) MilestoneStatusCounts(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM milestones WHERE project_id=$1 GROUP BY status`, projectID)
	if err != nil {
		return nil, fmt.Errorf("milestone counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan milestone count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) RecentNodes(ctx context.Context, projectID string, limit int) ([]RecentNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, created_at FROM world_nodes
		WHERE project_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent nodes: %w", err)
	}
	defer rows.Close()

	items := make([]RecentNode, 0)
	for rows.Next() {
		var item RecentNode
		if err := rows.Scan(&item.ID, &item.Label, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent node: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
