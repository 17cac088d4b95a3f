package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func (s *PostgresStore) ListColumns(ctx context.Context, projectID string) ([]TaskColumn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, order_index, color, created_at
		FROM task_columns WHERE project_id=$1
		ORDER BY order_index ASC, created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	items := make([]TaskColumn, 0)
	for rows.Next() {
		var item TaskColumn
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &item.OrderIndex, &item.Color, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetColumn(ctx context.Context, columnID string) (TaskColumn, error) {
	var item TaskColumn
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, order_index, color, created_at FROM task_columns WHERE id=$1
	`, columnID).Scan(&item.ID, &item.ProjectID, &item.Name, &item.OrderIndex, &item.Color, &item.CreatedAt)
	return item, err
}

// InsertColumn appends a column at order_index = current column count.
func (s *PostgresStore) InsertColumn(ctx context.Context, column TaskColumn) (TaskColumn, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO task_columns (project_id, name, color, order_index)
		VALUES ($1, $2, $3, (SELECT COUNT(*) FROM task_columns WHERE project_id=$1))
		RETURNING id, order_index, created_at
	`, column.ProjectID, column.Name, column.Color).Scan(&column.ID, &column.OrderIndex, &column.CreatedAt)
	if err != nil {
		return TaskColumn{}, fmt.Errorf("insert column: %w", err)
	}
	return column, nil
}

func (s *PostgresStore) UpdateColumn(ctx context.Context, column TaskColumn) error {
	res, err := s.db.ExecContext(ctx, `UPDATE task_columns SET name=$2, color=$3 WHERE id=$1`, column.ID, column.Name, column.Color)
	if err != nil {
		return fmt.Errorf("update column: %w", err)
	}
	return expectRow(res)
}

func (s *PostgresStore) DeleteColumn(ctx context.Context, columnID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_columns WHERE id=$1`, columnID)
	if err != nil {
		return fmt.Errorf("delete column: %w", err)
	}
	return expectRow(res)
}

// ApplyColumnOrder renumbers columns to their position in ids.
func (s *PostgresStore) ApplyColumnOrder(ctx context.Context, ids []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE task_columns SET order_index=$2 WHERE id=$1`, id, i); err != nil {
				return fmt.Errorf("reorder column: %w", err)
			}
		}
		return nil
	})
}

const taskColumns = `id, project_id, column_id, title, description, priority, due_date, order_index, labels, subtasks, assignee_id, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var (
		item     Task
		dueDate  sql.NullTime
		labels   []byte
		subtasks []byte
		assignee sql.NullString
	)
	if err := row.Scan(&item.ID, &item.ProjectID, &item.ColumnID, &item.Title, &item.Description, &item.Priority,
		&dueDate, &item.OrderIndex, &labels, &subtasks, &assignee, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Task{}, err
	}
	item.DueDate = timePtr(dueDate)
	item.AssigneeID = stringPtr(assignee)
	item.Labels = decodeStrings(labels)
	item.Subtasks = make([]Subtask, 0)
	if len(subtasks) > 0 {
		_ = json.Unmarshal(subtasks, &item.Subtasks)
	}
	return item, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE project_id=$1 ORDER BY order_index ASC, created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID))
}

func taskJSON(task Task) (string, string, error) {
	labels, err := encodeStrings(task.Labels)
	if err != nil {
		return "", "", err
	}
	subtasks := task.Subtasks
	if subtasks == nil {
		subtasks = []Subtask{}
	}
	encoded, err := encodeJSON(subtasks)
	if err != nil {
		return "", "", err
	}
	return labels, encoded, nil
}

// InsertTask appends a task at the end of its column.
func (s *PostgresStore) InsertTask(ctx context.Context, task Task) (Task, error) {
	labels, subtasks, err := taskJSON(task)
	if err != nil {
		return Task{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (project_id, column_id, title, description, priority, due_date, labels, subtasks, assignee_id, order_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, (SELECT COUNT(*) FROM tasks WHERE column_id=$2))
		RETURNING `+taskColumns,
		task.ProjectID, task.ColumnID, task.Title, task.Description, task.Priority, nullableTime(task.DueDate),
		labels, subtasks, nullableString(task.AssigneeID))
	created, err := scanTask(row)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) (Task, error) {
	labels, subtasks, err := taskJSON(task)
	if err != nil {
		return Task{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET title=$2, description=$3, priority=$4, due_date=$5, labels=$6::jsonb,
			subtasks=$7::jsonb, assignee_id=$8, updated_at=NOW()
		WHERE id=$1
		RETURNING `+taskColumns,
		task.ID, task.Title, task.Description, task.Priority, nullableTime(task.DueDate),
		labels, subtasks, nullableString(task.AssigneeID))
	updated, err := scanTask(row)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return expectRow(res)
}

// ApplyTaskOrder places every listed task in the keyed column at its slice
// position, in one transaction.
func (s *PostgresStore) ApplyTaskOrder(ctx context.Context, order map[string][]string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for columnID, ids := range order {
			for i, id := range ids {
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET column_id=$2, order_index=$3, updated_at=NOW() WHERE id=$1
				`, id, columnID, i); err != nil {
					return fmt.Errorf("reorder task: %w", err)
				}
			}
		}
		return nil
	})
}

func (s *PostgresStore) TaskTitles(ctx context.Context, projectID string) ([]string, error) {
	return s.listStrings(ctx, `SELECT title FROM tasks WHERE project_id=$1 ORDER BY created_at ASC`, projectID)
}

func (s *PostgresStore) listStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list strings: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan string: %w", err)
		}
		items = append(items, v)
	}
	return items, rows.Err()
}
