package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realmforge/api/internal/util"
)

func seedAccount(t *testing.T, ctx context.Context, s *PostgresStore, email string) User {
	t.Helper()
	user := User{ID: util.NewID(), Email: email, FullName: "Tester", PasswordHash: "x"}
	require.NoError(t, s.CreateAccount(ctx, user, "Tester's Workspace"))
	created, err := s.GetUserByEmail(ctx, email)
	require.NoError(t, err)
	return created
}

func TestCreateProjectSeedsColumns(t *testing.T) {
	s := NewPostgresStore(openTestDB(t))
	ctx := context.Background()

	user := seedAccount(t, ctx, s, "owner@example.test")
	ws, err := s.PersonalWorkspace(ctx, user.ID)
	require.NoError(t, err)

	project, err := s.CreateProject(ctx, Project{Name: "Ember", WorkspaceID: ws.ID, OwnerID: user.ID})
	require.NoError(t, err)

	columns, err := s.ListColumns(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, columns, 3)
	assert.Equal(t, "Todo", columns[0].Name)
	assert.Equal(t, "In Progress", columns[1].Name)
	assert.Equal(t, "Done", columns[2].Name)

	projects, err := s.ListProjectsForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, project.ID, projects[0].ID)
}

func TestTaskOrderAndSubtasks(t *testing.T) {
	s := NewPostgresStore(openTestDB(t))
	ctx := context.Background()

	user := seedAccount(t, ctx, s, "board@example.test")
	ws, err := s.PersonalWorkspace(ctx, user.ID)
	require.NoError(t, err)
	project, err := s.CreateProject(ctx, Project{Name: "Board", WorkspaceID: ws.ID, OwnerID: user.ID})
	require.NoError(t, err)
	columns, err := s.ListColumns(ctx, project.ID)
	require.NoError(t, err)

	first, err := s.InsertTask(ctx, Task{ProjectID: project.ID, ColumnID: columns[0].ID, Title: "a", Priority: "medium",
		Subtasks: []Subtask{{ID: "s1", Text: "one"}}})
	require.NoError(t, err)
	second, err := s.InsertTask(ctx, Task{ProjectID: project.ID, ColumnID: columns[0].ID, Title: "b", Priority: "high"})
	require.NoError(t, err)
	assert.Equal(t, 0, first.OrderIndex)
	assert.Equal(t, 1, second.OrderIndex)
	assert.Equal(t, []Subtask{{ID: "s1", Text: "one"}}, first.Subtasks)

	require.NoError(t, s.ApplyTaskOrder(ctx, map[string][]string{
		columns[0].ID: {second.ID},
		columns[1].ID: {first.ID},
	}))

	moved, err := s.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, columns[1].ID, moved.ColumnID)
	assert.Equal(t, 0, moved.OrderIndex)
}

func TestAcceptInvitationIsSingleUse(t *testing.T) {
	s := NewPostgresStore(openTestDB(t))
	ctx := context.Background()

	owner := seedAccount(t, ctx, s, "inviter@example.test")
	guest := seedAccount(t, ctx, s, "guest@example.test")
	ws, err := s.PersonalWorkspace(ctx, owner.ID)
	require.NoError(t, err)

	_, err = s.CreateInvitation(ctx, Invitation{WorkspaceID: ws.ID, Email: guest.Email, Token: "tok", Role: "editor",
		InvitedBy: owner.ID, ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	details, err := s.GetPendingInvitation(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, ws.Name, details.WorkspaceName)

	accepted, err := s.AcceptInvitation(ctx, "tok", guest.ID)
	require.NoError(t, err)
	assert.Equal(t, owner.ID, accepted.InvitedBy)

	role, err := s.MemberRole(ctx, ws.ID, guest.ID)
	require.NoError(t, err)
	assert.Equal(t, "editor", role)

	_, err = s.AcceptInvitation(ctx, "tok", guest.ID)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestSetMainDocumentIsExclusive(t *testing.T) {
	s := NewPostgresStore(openTestDB(t))
	ctx := context.Background()

	user := seedAccount(t, ctx, s, "docs@example.test")
	ws, err := s.PersonalWorkspace(ctx, user.ID)
	require.NoError(t, err)
	project, err := s.CreateProject(ctx, Project{Name: "Docs", WorkspaceID: ws.ID, OwnerID: user.ID})
	require.NoError(t, err)

	a, err := s.InsertDocument(ctx, ProjectDocument{ProjectID: project.ID, Title: "A"})
	require.NoError(t, err)
	b, err := s.InsertDocument(ctx, ProjectDocument{ProjectID: project.ID, Title: "B"})
	require.NoError(t, err)

	require.NoError(t, s.SetMainDocument(ctx, project.ID, a.ID))
	require.NoError(t, s.SetMainDocument(ctx, project.ID, b.ID))

	main, err := s.GetMainDocument(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, main.ID)
}

func TestConsumeRefreshSessionIsSingleUse(t *testing.T) {
	s := NewPostgresStore(openTestDB(t))
	ctx := context.Background()

	user := seedAccount(t, ctx, s, "refresh@example.test")
	require.NoError(t, s.SaveRefreshSession(ctx, "hash-live", user.ID, time.Now().Add(time.Hour)))
	require.NoError(t, s.SaveRefreshSession(ctx, "hash-stale", user.ID, time.Now().Add(-time.Minute)))

	const callers = 8
	results := make(chan error, callers)
	for range callers {
		go func() {
			_, err := s.ConsumeRefreshSession(ctx, "hash-live")
			results <- err
		}()
	}
	won := 0
	for range callers {
		err := <-results
		if err == nil {
			won++
			continue
		}
		assert.True(t, errors.Is(err, sql.ErrNoRows), err)
	}
	assert.Equal(t, 1, won, "only one rotation may succeed")

	_, err := s.ConsumeRefreshSession(ctx, "hash-stale")
	assert.True(t, errors.Is(err, sql.ErrNoRows), "expired sessions are not consumed")
}
