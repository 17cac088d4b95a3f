package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *PostgresStore) ListWorkspacesForUser(ctx context.Context, userID string) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.owner_id, m.role, w.created_at
		FROM workspaces w
		JOIN workspace_members m ON m.workspace_id = w.id
		WHERE m.user_id = $1
		ORDER BY (w.owner_id = $1) DESC, w.created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	items := make([]Workspace, 0)
	for rows.Next() {
		var item Workspace
		if err := rows.Scan(&item.ID, &item.Name, &item.OwnerID, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// PersonalWorkspace returns the oldest workspace the user owns.
func (s *PostgresStore) PersonalWorkspace(ctx context.Context, userID string) (Workspace, error) {
	var item Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at FROM workspaces
		WHERE owner_id = $1
		ORDER BY created_at ASC
		LIMIT 1
	`, userID).Scan(&item.ID, &item.Name, &item.OwnerID, &item.CreatedAt)
	item.Role = "owner"
	return item, err
}

// MemberRole returns the caller's role in a workspace, or sql.ErrNoRows if
// they are not a member.
func (s *PostgresStore) MemberRole(ctx context.Context, workspaceID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM workspace_members WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID).Scan(&role)
	return role, err
}

func (s *PostgresStore) ListMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.workspace_id, m.user_id, m.role, u.full_name, u.email, m.joined_at
		FROM workspace_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.workspace_id = $1
		ORDER BY m.joined_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		var item Member
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.UserID, &item.Role, &item.FullName, &item.Email, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountMembers(ctx context.Context, workspaceID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workspace_members WHERE workspace_id=$1`, workspaceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreateInvitation(ctx context.Context, inv Invitation) (Invitation, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO invitations (workspace_id, email, token, role, invited_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, inv.WorkspaceID, inv.Email, inv.Token, inv.Role, nullableString(&inv.InvitedBy), inv.ExpiresAt).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return Invitation{}, fmt.Errorf("insert invitation: %w", err)
	}
	return inv, nil
}

// GetPendingInvitation returns an unaccepted, unexpired invitation by token.
func (s *PostgresStore) GetPendingInvitation(ctx context.Context, token string) (Invitation, error) {
	var (
		inv       Invitation
		invitedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT i.id, i.workspace_id, w.name, i.email, i.token, i.role, i.invited_by, i.expires_at, i.created_at
		FROM invitations i
		JOIN workspaces w ON w.id = i.workspace_id
		WHERE i.token = $1 AND i.accepted_at IS NULL AND i.expires_at > NOW()
	`, token).Scan(&inv.ID, &inv.WorkspaceID, &inv.WorkspaceName, &inv.Email, &inv.Token, &inv.Role, &invitedBy, &inv.ExpiresAt, &inv.CreatedAt)
	if err != nil {
		return Invitation{}, err
	}
	inv.InvitedBy = invitedBy.String
	return inv, nil
}

// AcceptInvitation adds the user to the invitation's workspace and marks it
// accepted. An existing membership is kept as is.
func (s *PostgresStore) AcceptInvitation(ctx context.Context, token, userID string) (Invitation, error) {
	var inv Invitation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var invitedBy sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT i.id, i.workspace_id, w.name, i.email, i.role, i.invited_by, i.expires_at
			FROM invitations i
			JOIN workspaces w ON w.id = i.workspace_id
			WHERE i.token = $1 AND i.accepted_at IS NULL AND i.expires_at > NOW()
			FOR UPDATE OF i
		`, token).Scan(&inv.ID, &inv.WorkspaceID, &inv.WorkspaceName, &inv.Email, &inv.Role, &invitedBy, &inv.ExpiresAt)
		if err != nil {
			return err
		}
		inv.InvitedBy = invitedBy.String
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_members (workspace_id, user_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (workspace_id, user_id) DO NOTHING
		`, inv.WorkspaceID, userID, inv.Role); err != nil {
			return fmt.Errorf("insert membership: %w", err)
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE invitations SET accepted_at=$2 WHERE id=$1`, inv.ID, now); err != nil {
			return fmt.Errorf("mark invitation accepted: %w", err)
		}
		inv.AcceptedAt = &now
		return nil
	})
	if err != nil {
		return Invitation{}, err
	}
	return inv, nil
}
