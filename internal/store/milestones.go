package store

import (
	"context"
	"database/sql"
	"fmt"
)

const milestoneColumns = `id, project_id, title, description, due_date, status, progress, created_at, updated_at`

func scanMilestone(row interface{ Scan(...any) error }) (Milestone, error) {
	var (
		item    Milestone
		dueDate sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.ProjectID, &item.Title, &item.Description, &dueDate, &item.Status,
		&item.Progress, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Milestone{}, err
	}
	item.DueDate = timePtr(dueDate)
	return item, nil
}

// ListMilestones orders by due date with undated milestones last.
func (s *PostgresStore) ListMilestones(ctx context.Context, projectID string) ([]Milestone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+` FROM milestones WHERE project_id=$1
		ORDER BY due_date ASC NULLS LAST, created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	items := make([]Milestone, 0)
	for rows.Next() {
		item, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetMilestone(ctx context.Context, milestoneID string) (Milestone, error) {
	return scanMilestone(s.db.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=$1`, milestoneID))
}

func (s *PostgresStore) InsertMilestone(ctx context.Context, m Milestone) (Milestone, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO milestones (project_id, title, description, due_date, status, progress)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+milestoneColumns,
		m.ProjectID, m.Title, m.Description, nullableTime(m.DueDate), m.Status, m.Progress)
	created, err := scanMilestone(row)
	if err != nil {
		return Milestone{}, fmt.Errorf("insert milestone: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateMilestone(ctx context.Context, m Milestone) (Milestone, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE milestones SET title=$2, description=$3, due_date=$4, status=$5, progress=$6, updated_at=NOW()
		WHERE id=$1
		RETURNING `+milestoneColumns,
		m.ID, m.Title, m.Description, nullableTime(m.DueDate), m.Status, m.Progress)
	updated, err := scanMilestone(row)
	if err != nil {
		return Milestone{}, fmt.Errorf("update milestone: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteMilestone(ctx context.Context, milestoneID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM milestones WHERE id=$1`, milestoneID)
	if err != nil {
		return fmt.Errorf("delete milestone: %w", err)
	}
	return expectRow(res)
}
