package store

import (
	"context"
	"fmt"
)

const systemColumns = `id, project_id, name, description, inputs, outputs, created_at, updated_at`

func scanSystem(row interface{ Scan(...any) error }) (System, error) {
	var (
		item    System
		inputs  []byte
		outputs []byte
	)
	if err := row.Scan(&item.ID, &item.ProjectID, &item.Name, &item.Description, &inputs, &outputs, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return System{}, err
	}
	item.Inputs = decodeStrings(inputs)
	item.Outputs = decodeStrings(outputs)
	return item, nil
}

func (s *PostgresStore) ListSystems(ctx context.Context, projectID string) ([]System, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+systemColumns+` FROM systems WHERE project_id=$1 ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list systems: %w", err)
	}
	defer rows.Close()

	items := make([]System, 0)
	for rows.Next() {
		item, err := scanSystem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan system: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetSystem(ctx context.Context, systemID string) (System, error) {
	return scanSystem(s.db.QueryRowContext(ctx, `SELECT `+systemColumns+` FROM systems WHERE id=$1`, systemID))
}

func (s *PostgresStore) InsertSystem(ctx context.Context, system System) (System, error) {
	inputs, err := encodeStrings(system.Inputs)
	if err != nil {
		return System{}, err
	}
	outputs, err := encodeStrings(system.Outputs)
	if err != nil {
		return System{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO systems (project_id, name, description, inputs, outputs)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)
		RETURNING `+systemColumns,
		system.ProjectID, system.Name, system.Description, inputs, outputs)
	created, err := scanSystem(row)
	if err != nil {
		return System{}, fmt.Errorf("insert system: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateSystem(ctx context.Context, system System) (System, error) {
	inputs, err := encodeStrings(system.Inputs)
	if err != nil {
		return System{}, err
	}
	outputs, err := encodeStrings(system.Outputs)
	if err != nil {
		return System{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE systems SET name=$2, description=$3, inputs=$4::jsonb, outputs=$5::jsonb, updated_at=NOW()
		WHERE id=$1
		RETURNING `+systemColumns,
		system.ID, system.Name, system.Description, inputs, outputs)
	updated, err := scanSystem(row)
	if err != nil {
		return System{}, fmt.Errorf("update system: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteSystem(ctx context.Context, systemID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM systems WHERE id=$1`, systemID)
	if err != nil {
		return fmt.Errorf("delete system: %w", err)
	}
	return expectRow(res)
}

func (s *PostgresStore) SystemNames(ctx context.Context, projectID string) ([]string, error) {
	return s.listStrings(ctx, `SELECT name FROM systems WHERE project_id=$1 ORDER BY created_at ASC`, projectID)
}
