package store

import (
	"context"
	"encoding/json"
	"fmt"
)

const nodeColumns = `id, project_id, x, y, label, color, node_type, description, image_url, gameplay_notes, lore, tags, metadata, created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (WorldNode, error) {
	var (
		item     WorldNode
		tags     []byte
		metadata []byte
	)
	if err := row.Scan(&item.ID, &item.ProjectID, &item.X, &item.Y, &item.Label, &item.Color, &item.NodeType,
		&item.Description, &item.ImageURL, &item.GameplayNotes, &item.Lore, &tags, &metadata,
		&item.CreatedAt, &item.UpdatedAt); err != nil {
		return WorldNode{}, err
	}
	item.Tags = decodeStrings(tags)
	item.Metadata = json.RawMessage(metadata)
	return item, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context, projectID string) ([]WorldNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM world_nodes WHERE project_id=$1 ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	items := make([]WorldNode, 0)
	for rows.Next() {
		item, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (WorldNode, error) {
	return scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM world_nodes WHERE id=$1`, nodeID))
}

func (s *PostgresStore) InsertNode(ctx context.Context, node WorldNode) (WorldNode, error) {
	tags, err := encodeStrings(node.Tags)
	if err != nil {
		return WorldNode{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO world_nodes (project_id, x, y, label, color, node_type, description, image_url, gameplay_notes, lore, tags, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb)
		RETURNING `+nodeColumns,
		node.ProjectID, node.X, node.Y, node.Label, node.Color, node.NodeType, node.Description, node.ImageURL,
		node.GameplayNotes, node.Lore, tags, rawOrDefault(node.Metadata, "{}"))
	created, err := scanNode(row)
	if err != nil {
		return WorldNode{}, fmt.Errorf("insert node: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateNode(ctx context.Context, node WorldNode) (WorldNode, error) {
	tags, err := encodeStrings(node.Tags)
	if err != nil {
		return WorldNode{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE world_nodes SET x=$2, y=$3, label=$4, color=$5, node_type=$6, description=$7, image_url=$8,
			gameplay_notes=$9, lore=$10, tags=$11::jsonb, metadata=$12::jsonb, updated_at=NOW()
		WHERE id=$1
		RETURNING `+nodeColumns,
		node.ID, node.X, node.Y, node.Label, node.Color, node.NodeType, node.Description, node.ImageURL,
		node.GameplayNotes, node.Lore, tags, rawOrDefault(node.Metadata, "{}"))
	updated, err := scanNode(row)
	if err != nil {
		return WorldNode{}, fmt.Errorf("update node: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) MoveNode(ctx context.Context, nodeID string, x, y float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE world_nodes SET x=$2, y=$3, updated_at=NOW() WHERE id=$1`, nodeID, x, y)
	if err != nil {
		return fmt.Errorf("move node: %w", err)
	}
	return expectRow(res)
}

// DeleteNode removes the node; its connections go with it via cascade.
func (s *PostgresStore) DeleteNode(ctx context.Context, nodeID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM world_nodes WHERE id=$1`, nodeID)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return expectRow(res)
}

const connectionColumns = `id, project_id, from_node_id, to_node_id, connection_type, requirements, notes, created_at`

func scanConnection(row interface{ Scan(...any) error }) (WorldConnection, error) {
	var item WorldConnection
	err := row.Scan(&item.ID, &item.ProjectID, &item.FromNodeID, &item.ToNodeID, &item.ConnectionType,
		&item.Requirements, &item.Notes, &item.CreatedAt)
	return item, err
}

func (s *PostgresStore) ListConnections(ctx context.Context, projectID string) ([]WorldConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM world_connections WHERE project_id=$1 ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	items := make([]WorldConnection, 0)
	for rows.Next() {
		item, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetConnection(ctx context.Context, connectionID string) (WorldConnection, error) {
	return scanConnection(s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM world_connections WHERE id=$1`, connectionID))
}

func (s *PostgresStore) InsertConnection(ctx context.Context, conn WorldConnection) (WorldConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO world_connections (project_id, from_node_id, to_node_id, connection_type, requirements, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+connectionColumns,
		conn.ProjectID, conn.FromNodeID, conn.ToNodeID, conn.ConnectionType, conn.Requirements, conn.Notes)
	created, err := scanConnection(row)
	if err != nil {
		return WorldConnection{}, fmt.Errorf("insert connection: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateConnection(ctx context.Context, conn WorldConnection) (WorldConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE world_connections SET connection_type=$2, requirements=$3, notes=$4
		WHERE id=$1
		RETURNING `+connectionColumns,
		conn.ID, conn.ConnectionType, conn.Requirements, conn.Notes)
	updated, err := scanConnection(row)
	if err != nil {
		return WorldConnection{}, fmt.Errorf("update connection: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, connectionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM world_connections WHERE id=$1`, connectionID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return expectRow(res)
}
