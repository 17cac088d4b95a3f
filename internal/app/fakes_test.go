package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"realmforge/api/internal/auth"
	"realmforge/api/internal/authpw"
	"realmforge/api/internal/config"
	"realmforge/api/internal/export"
	"realmforge/api/internal/gitrepo"
	"realmforge/api/internal/realtime"
	"realmforge/api/internal/search"
	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
)

// fakeStore is an in-memory dataStore and SessionStore. Methods that no test
// reaches fall through to the nil embedded interface and panic.
type fakeStore struct {
	dataStore

	mu            sync.Mutex
	pingFn        func(context.Context) error
	users         map[string]store.User
	authTokens    map[string]fakeAuthToken
	refresh       map[string]string
	revoked       map[string]bool
	workspaces    map[string]store.Workspace
	members       map[string]map[string]string // workspace -> user -> role
	projects      map[string]store.Project
	columns       map[string]store.TaskColumn
	tasks         map[string]store.Task
	documents     map[string]store.ProjectDocument
	nodes         map[string]store.WorldNode
	connections   map[string]store.WorldConnection
	systems       map[string]store.System
	milestones    map[string]store.Milestone
	notifications map[string]store.Notification
	posts         map[string]store.ContentPost
	templates     map[string]store.GDDTemplate
	invitations   map[string]store.Invitation // keyed by token
}

type fakeAuthToken struct {
	userID  string
	purpose string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         map[string]store.User{},
		authTokens:    map[string]fakeAuthToken{},
		refresh:       map[string]string{},
		revoked:       map[string]bool{},
		workspaces:    map[string]store.Workspace{},
		members:       map[string]map[string]string{},
		projects:      map[string]store.Project{},
		columns:       map[string]store.TaskColumn{},
		tasks:         map[string]store.Task{},
		documents:     map[string]store.ProjectDocument{},
		nodes:         map[string]store.WorldNode{},
		connections:   map[string]store.WorldConnection{},
		systems:       map[string]store.System{},
		milestones:    map[string]store.Milestone{},
		notifications: map[string]store.Notification{},
		posts:         map[string]store.ContentPost{},
		templates:     map[string]store.GDDTemplate{},
		invitations:   map[string]store.Invitation{},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// seedUser adds a verified user with a personal workspace and returns the
// workspace id.
func (f *fakeStore) seedUser(t *testing.T, id, email, name string, admin bool) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, f.CreateAccount(context.Background(), store.User{
		ID:            id,
		Email:         email,
		FullName:      name,
		PasswordHash:  string(hash),
		IsAdmin:       admin,
		EmailVerified: true,
	}, name+"'s Workspace"))
	ws, err := f.PersonalWorkspace(context.Background(), id)
	require.NoError(t, err)
	return ws.ID
}

func (f *fakeStore) addMember(workspaceID, userID, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[workspaceID][userID] = role
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateAccount(_ context.Context, user store.User, workspaceName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user.CreatedAt = time.Now()
	f.users[user.ID] = user
	ws := store.Workspace{ID: util.NewID(), Name: workspaceName, OwnerID: user.ID, CreatedAt: time.Now()}
	f.workspaces[ws.ID] = ws
	f.members[ws.ID] = map[string]string{user.ID: "owner"}
	return nil
}

func (f *fakeStore) UpdateProfile(_ context.Context, userID, fullName, avatarURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.FullName = fullName
	user.AvatarURL = avatarURL
	f.users[userID] = user
	return nil
}

func (f *fakeStore) SaveAuthToken(_ context.Context, tokenHash, userID, purpose string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authTokens[tokenHash] = fakeAuthToken{userID: userID, purpose: purpose}
	return nil
}

func (f *fakeStore) ConsumeAuthToken(_ context.Context, tokenHash, purpose string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.authTokens[tokenHash]
	if !ok || token.purpose != purpose {
		return "", sql.ErrNoRows
	}
	delete(f.authTokens, tokenHash)
	return token.userID, nil
}

func (f *fakeStore) MarkEmailVerified(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.EmailVerified = true
	f.users[userID] = user
	return nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) ConsumeRefreshSession(_ context.Context, tokenHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return "", sql.ErrNoRows
	}
	delete(f.refresh, tokenHash)
	return userID, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) PersonalWorkspace(_ context.Context, userID string) (store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ws := range f.workspaces {
		if ws.OwnerID == userID {
			return ws, nil
		}
	}
	return store.Workspace{}, sql.ErrNoRows
}

func (f *fakeStore) ListWorkspacesForUser(_ context.Context, userID string) ([]store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Workspace
	for id, roles := range f.members {
		if role, ok := roles[userID]; ok {
			ws := f.workspaces[id]
			ws.Role = role
			out = append(out, ws)
		}
	}
	return out, nil
}

func (f *fakeStore) MemberRole(_ context.Context, workspaceID, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.members[workspaceID][userID]
	if !ok {
		return "", sql.ErrNoRows
	}
	return role, nil
}

func (f *fakeStore) ListMembers(_ context.Context, workspaceID string) ([]store.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Member
	for userID, role := range f.members[workspaceID] {
		user := f.users[userID]
		out = append(out, store.Member{WorkspaceID: workspaceID, UserID: userID, Role: role, FullName: user.FullName, Email: user.Email})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

func (f *fakeStore) CountMembers(_ context.Context, workspaceID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members[workspaceID]), nil
}

func (f *fakeStore) CreateInvitation(_ context.Context, inv store.Invitation) (store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv.ID = util.NewID()
	inv.CreatedAt = time.Now()
	f.invitations[inv.Token] = inv
	return inv, nil
}

func (f *fakeStore) pendingInvitation(token string) (store.Invitation, error) {
	inv, ok := f.invitations[token]
	if !ok || inv.AcceptedAt != nil || !inv.ExpiresAt.After(time.Now()) {
		return store.Invitation{}, sql.ErrNoRows
	}
	inv.WorkspaceName = f.workspaces[inv.WorkspaceID].Name
	return inv, nil
}

func (f *fakeStore) GetPendingInvitation(_ context.Context, token string) (store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingInvitation(token)
}

func (f *fakeStore) AcceptInvitation(_ context.Context, token, userID string) (store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, err := f.pendingInvitation(token)
	if err != nil {
		return store.Invitation{}, err
	}
	if _, ok := f.members[inv.WorkspaceID][userID]; !ok {
		f.members[inv.WorkspaceID][userID] = inv.Role
	}
	now := time.Now()
	inv.AcceptedAt = &now
	f.invitations[token] = inv
	return inv, nil
}

// expireInvitation moves an invitation's expiry into the past.
func (f *fakeStore) expireInvitation(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv := f.invitations[token]
	inv.ExpiresAt = time.Now().Add(-time.Minute)
	f.invitations[token] = inv
}

func (f *fakeStore) CreateProject(_ context.Context, project store.Project) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project.ID = util.NewID()
	project.CreatedAt = time.Now()
	project.UpdatedAt = project.CreatedAt
	f.projects[project.ID] = project
	for i, name := range []string{"Todo", "In Progress", "Done"} {
		col := store.TaskColumn{ID: util.NewID(), ProjectID: project.ID, Name: name, OrderIndex: i}
		f.columns[col.ID] = col
	}
	return project, nil
}

func (f *fakeStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (f *fakeStore) ListProjectsForUser(_ context.Context, userID string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Project
	for _, p := range f.projects {
		if _, ok := f.members[p.WorkspaceID][userID]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) ProjectIDsForUser(ctx context.Context, userID string) ([]string, error) {
	projects, _ := f.ListProjectsForUser(ctx, userID)
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeStore) UpdatePublicSettings(_ context.Context, projectID string, isPublic bool, settings *store.PublicSettings) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	project.IsPublic = isPublic
	if settings != nil {
		project.PublicSettings = settings
	}
	f.projects[projectID] = project
	return project, nil
}

func (f *fakeStore) DeleteProject(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[projectID]; !ok {
		return sql.ErrNoRows
	}
	delete(f.projects, projectID)
	for id, c := range f.columns {
		if c.ProjectID == projectID {
			delete(f.columns, id)
		}
	}
	for id, t := range f.tasks {
		if t.ProjectID == projectID {
			delete(f.tasks, id)
		}
	}
	for id, d := range f.documents {
		if d.ProjectID == projectID {
			delete(f.documents, id)
		}
	}
	return nil
}

func (f *fakeStore) TouchProject(context.Context, string) error { return nil }

func (f *fakeStore) ListColumns(_ context.Context, projectID string) ([]store.TaskColumn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.TaskColumn
	for _, c := range f.columns {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (f *fakeStore) GetColumn(_ context.Context, columnID string) (store.TaskColumn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.columns[columnID]
	if !ok {
		return store.TaskColumn{}, sql.ErrNoRows
	}
	return c, nil
}

func (f *fakeStore) InsertColumn(_ context.Context, column store.TaskColumn) (store.TaskColumn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	column.ID = util.NewID()
	f.columns[column.ID] = column
	return column, nil
}

func (f *fakeStore) UpdateColumn(_ context.Context, column store.TaskColumn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.columns[column.ID]; !ok {
		return sql.ErrNoRows
	}
	f.columns[column.ID] = column
	return nil
}

func (f *fakeStore) DeleteColumn(_ context.Context, columnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.columns[columnID]; !ok {
		return sql.ErrNoRows
	}
	delete(f.columns, columnID)
	for id, t := range f.tasks {
		if t.ColumnID == columnID {
			delete(f.tasks, id)
		}
	}
	return nil
}

func (f *fakeStore) ApplyColumnOrder(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range ids {
		c := f.columns[id]
		c.OrderIndex = i
		f.columns[id] = c
	}
	return nil
}

func (f *fakeStore) ListTasks(_ context.Context, projectID string) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Task
	for _, t := range f.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (f *fakeStore) GetTask(_ context.Context, taskID string) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	return t, nil
}

func (f *fakeStore) InsertTask(_ context.Context, task store.Task) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task.ID = util.NewID()
	for _, t := range f.tasks {
		if t.ColumnID == task.ColumnID {
			task.OrderIndex++
		}
	}
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeStore) UpdateTask(_ context.Context, task store.Task) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[task.ID]; !ok {
		return store.Task{}, sql.ErrNoRows
	}
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeStore) ApplyTaskOrder(_ context.Context, order map[string][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for columnID, ids := range order {
		for i, id := range ids {
			t := f.tasks[id]
			t.ColumnID = columnID
			t.OrderIndex = i
			f.tasks[id] = t
		}
	}
	return nil
}

func (f *fakeStore) InsertDocument(_ context.Context, doc store.ProjectDocument) (store.ProjectDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc.ID = util.NewID()
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	f.documents[doc.ID] = doc
	return doc, nil
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (store.ProjectDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return store.ProjectDocument{}, sql.ErrNoRows
	}
	return doc, nil
}

func (f *fakeStore) ListDocuments(_ context.Context, projectID string) ([]store.ProjectDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ProjectDocument
	for _, doc := range f.documents {
		if doc.ProjectID == projectID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (f *fakeStore) SetMainDocument(_ context.Context, projectID, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, ok := f.documents[documentID]
	if !ok || target.ProjectID != projectID {
		return sql.ErrNoRows
	}
	for id, doc := range f.documents {
		if doc.ProjectID == projectID {
			doc.IsMainGDD = id == documentID
			f.documents[id] = doc
		}
	}
	return nil
}

func (f *fakeStore) GetMainDocument(_ context.Context, projectID string) (store.ProjectDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.documents {
		if doc.ProjectID == projectID && doc.IsMainGDD {
			return doc, nil
		}
	}
	return store.ProjectDocument{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateDocument(_ context.Context, doc store.ProjectDocument) (store.ProjectDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.documents[doc.ID]; !ok {
		return store.ProjectDocument{}, sql.ErrNoRows
	}
	doc.UpdatedAt = time.Now()
	f.documents[doc.ID] = doc
	return doc, nil
}

func (f *fakeStore) ListNodes(_ context.Context, projectID string) ([]store.WorldNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.WorldNode
	for _, n := range f.nodes {
		if n.ProjectID == projectID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertNode(_ context.Context, node store.WorldNode) (store.WorldNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node.ID = util.NewID()
	node.CreatedAt = time.Now()
	node.UpdatedAt = node.CreatedAt
	f.nodes[node.ID] = node
	return node, nil
}

func (f *fakeStore) GetNode(_ context.Context, nodeID string) (store.WorldNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if !ok {
		return store.WorldNode{}, sql.ErrNoRows
	}
	return n, nil
}

func (f *fakeStore) UpdateNode(_ context.Context, node store.WorldNode) (store.WorldNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[node.ID]; !ok {
		return store.WorldNode{}, sql.ErrNoRows
	}
	node.UpdatedAt = time.Now()
	f.nodes[node.ID] = node
	return node, nil
}

// DeleteNode mirrors the ON DELETE CASCADE on world_connections.
func (f *fakeStore) DeleteNode(_ context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[nodeID]; !ok {
		return sql.ErrNoRows
	}
	delete(f.nodes, nodeID)
	for id, c := range f.connections {
		if c.FromNodeID == nodeID || c.ToNodeID == nodeID {
			delete(f.connections, id)
		}
	}
	return nil
}

func (f *fakeStore) ListConnections(_ context.Context, projectID string) ([]store.WorldConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.WorldConnection
	for _, c := range f.connections {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertConnection(_ context.Context, conn store.WorldConnection) (store.WorldConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn.ID = util.NewID()
	conn.CreatedAt = time.Now()
	f.connections[conn.ID] = conn
	return conn, nil
}

func (f *fakeStore) TaskTitles(ctx context.Context, projectID string) ([]string, error) {
	tasks, _ := f.ListTasks(ctx, projectID)
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Title)
	}
	return out, nil
}

func (f *fakeStore) DocumentTitles(ctx context.Context, projectID string) ([]string, error) {
	docs, _ := f.ListDocuments(ctx, projectID)
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Title)
	}
	return out, nil
}

func (f *fakeStore) SystemNames(ctx context.Context, projectID string) ([]string, error) {
	systems, _ := f.ListSystems(ctx, projectID)
	out := make([]string, 0, len(systems))
	for _, sys := range systems {
		out = append(out, sys.Name)
	}
	return out, nil
}

func (f *fakeStore) ListSystems(_ context.Context, projectID string) ([]store.System, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.System
	for _, sys := range f.systems {
		if sys.ProjectID == projectID {
			out = append(out, sys)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) InsertSystem(_ context.Context, sys store.System) (store.System, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sys.ID = util.NewID()
	sys.CreatedAt = time.Now()
	sys.UpdatedAt = sys.CreatedAt
	f.systems[sys.ID] = sys
	return sys, nil
}

func (f *fakeStore) ListMilestones(_ context.Context, projectID string) ([]store.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Milestone
	for _, m := range f.milestones {
		if m.ProjectID == projectID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) GetMilestone(_ context.Context, milestoneID string) (store.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.milestones[milestoneID]
	if !ok {
		return store.Milestone{}, sql.ErrNoRows
	}
	return m, nil
}

func (f *fakeStore) InsertMilestone(_ context.Context, m store.Milestone) (store.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = util.NewID()
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	f.milestones[m.ID] = m
	return m, nil
}

func (f *fakeStore) UpdateMilestone(_ context.Context, m store.Milestone) (store.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.milestones[m.ID]; !ok {
		return store.Milestone{}, sql.ErrNoRows
	}
	f.milestones[m.ID] = m
	return m, nil
}

func (f *fakeStore) InsertNotification(_ context.Context, n store.Notification) (store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n.ID = util.NewID()
	n.CreatedAt = time.Now()
	f.notifications[n.ID] = n
	return n, nil
}

func (f *fakeStore) ListNotifications(_ context.Context, userID string, limit int) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Notification
	for _, n := range f.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CountUnreadNotifications(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) MarkNotificationRead(_ context.Context, notificationID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[notificationID]
	if !ok || n.UserID != userID {
		return sql.ErrNoRows
	}
	n.IsRead = true
	f.notifications[notificationID] = n
	return nil
}

func (f *fakeStore) userNotifications(userID string) []store.Notification {
	items, _ := f.ListNotifications(context.Background(), userID, 1000)
	return items
}

func (f *fakeStore) ListPosts(_ context.Context) ([]store.ContentPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ContentPost
	for _, p := range f.posts {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) ListPublishedPosts(_ context.Context, postType string) ([]store.ContentPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ContentPost
	for _, p := range f.posts {
		if p.Published && p.Type == postType {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (f *fakeStore) InsertPost(_ context.Context, post store.ContentPost) (store.ContentPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.posts {
		if p.Slug == post.Slug {
			return store.ContentPost{}, &fakeUniqueViolation{}
		}
	}
	post.ID = util.NewID()
	post.CreatedAt = time.Now()
	post.UpdatedAt = post.CreatedAt
	f.posts[post.ID] = post
	return post, nil
}

func (f *fakeStore) GetPost(_ context.Context, postID string) (store.ContentPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[postID]
	if !ok {
		return store.ContentPost{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) UpdatePost(_ context.Context, post store.ContentPost) (store.ContentPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.posts[post.ID]; !ok {
		return store.ContentPost{}, sql.ErrNoRows
	}
	post.UpdatedAt = time.Now()
	f.posts[post.ID] = post
	return post, nil
}

func (f *fakeStore) UpsertTemplate(_ context.Context, tpl store.GDDTemplate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[tpl.Slug] = tpl
	return nil
}

type fakeUniqueViolation struct{}

func (*fakeUniqueViolation) Error() string    { return "duplicate key" }
func (*fakeUniqueViolation) SQLState() string { return "23505" }

// fakeGit records commits in memory.
type fakeGit struct {
	mu      sync.Mutex
	commits map[string][]store.CommitInfo
	content map[string]gitrepo.Content
	tags    map[string][]gitrepo.Tag
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		commits: map[string][]store.CommitInfo{},
		content: map[string]gitrepo.Content{},
		tags:    map[string][]gitrepo.Tag{},
	}
}

func (g *fakeGit) EnsureDocumentRepo(id string, content gitrepo.Content, author string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.commits[id]; ok {
		return nil
	}
	g.content[id] = content
	g.commits[id] = []store.CommitInfo{{Hash: util.RandomHex(20), Author: author, Message: "Create document", CreatedAt: time.Now()}}
	return nil
}

func (g *fakeGit) Commit(id string, content gitrepo.Content, author, message string) (store.CommitInfo, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	previous, _ := json.Marshal(g.content[id])
	next, _ := json.Marshal(content)
	if string(previous) == string(next) {
		return store.CommitInfo{}, false, nil
	}
	g.content[id] = content
	commit := store.CommitInfo{Hash: util.RandomHex(20), Author: author, Message: message, CreatedAt: time.Now()}
	g.commits[id] = append([]store.CommitInfo{commit}, g.commits[id]...)
	return commit, true, nil
}

func (g *fakeGit) Revision(id, rev string) (gitrepo.Content, store.CommitInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.commits[id] {
		if c.Hash == rev {
			return g.content[id], c, nil
		}
	}
	return gitrepo.Content{}, store.CommitInfo{}, gitrepo.ErrUnknownRevision
}

func (g *fakeGit) Restore(id, rev, author string) (gitrepo.Content, store.CommitInfo, error) {
	content, _, err := g.Revision(id, rev)
	if err != nil {
		return gitrepo.Content{}, store.CommitInfo{}, err
	}
	commit := store.CommitInfo{Hash: util.RandomHex(20), Author: author, Message: "Restore " + rev, CreatedAt: time.Now()}
	g.mu.Lock()
	g.commits[id] = append([]store.CommitInfo{commit}, g.commits[id]...)
	g.mu.Unlock()
	return content, commit, nil
}

func (g *fakeGit) History(id string, limit int) ([]store.CommitInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	commits, ok := g.commits[id]
	if !ok {
		return nil, gitrepo.ErrNoHistory
	}
	if len(commits) > limit {
		commits = commits[:limit]
	}
	return commits, nil
}

func (g *fakeGit) CreateTag(id, rev, name, _ string) (gitrepo.Tag, error) {
	if name == "" || strings.ContainsAny(name, " /") {
		return gitrepo.Tag{}, gitrepo.ErrInvalidTag
	}
	if rev == "" {
		g.mu.Lock()
		if commits := g.commits[id]; len(commits) > 0 {
			rev = commits[0].Hash
		}
		g.mu.Unlock()
	}
	_, commit, err := g.Revision(id, rev)
	if err != nil {
		return gitrepo.Tag{}, err
	}
	tag := gitrepo.Tag{Name: name, Hash: commit.Hash}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tags[id] = append(g.tags[id], tag)
	return tag, nil
}

func (g *fakeGit) Tags(id string) ([]gitrepo.Tag, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gitrepo.Tag{}, g.tags[id]...), nil
}

func (g *fakeGit) Remove(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.commits, id)
	return nil
}

// fakeObjects records uploads under a fake public URL.
type fakeObjects struct {
	mu      sync.Mutex
	puts    map[string][]byte
	deleted []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{puts: map[string][]byte{}}
}

const fakeObjectBase = "https://cdn.realmforge.test/"

func (o *fakeObjects) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.puts[key] = data
	return fakeObjectBase + key, nil
}

func (o *fakeObjects) Delete(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, key)
	return nil
}

func (o *fakeObjects) KeyFromURL(raw string) (string, bool) {
	if !strings.HasPrefix(raw, fakeObjectBase) {
		return "", false
	}
	return strings.TrimPrefix(raw, fakeObjectBase), true
}

func (o *fakeObjects) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.puts)
}

type fakeSearch struct {
	noopSearch
	mu      sync.Mutex
	queries []search.Query
}

func (s *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *fakePublisher) Publish(e realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Topic)
	}
	return out
}

type testEnv struct {
	svc    *Service
	store  *fakeStore
	git    *fakeGit
	search *fakeSearch
	events *fakePublisher
	server *HTTPServer
}

const testSecret = "test-secret"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fs := newFakeStore()
	fg := newFakeGit()
	sr := &fakeSearch{}
	pub := &fakePublisher{}
	svc := &Service{
		cfg: config.Config{
			JWTSecret:     testSecret,
			AccessTTL:     time.Hour,
			RefreshTTL:    24 * time.Hour,
			PublicBaseURL: "https://realmforge.test",
		},
		store:    fs,
		sessions: fs,
		accounts: authpw.NewService(fs),
		git:      fg,
		search:   sr,
		exporter: export.NewService(),
		events:   pub,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	return &testEnv{
		svc:    svc,
		store:  fs,
		git:    fg,
		search: sr,
		events: pub,
		server: NewHTTPServer(svc, "*", nil, zap.NewNop()),
	}
}

// tokenFor issues an access token for an existing fake user.
func (e *testEnv) tokenFor(t *testing.T, userID string) string {
	t.Helper()
	session, err := e.svc.CreateSession(context.Background(), userID)
	require.NoError(t, err)
	return session.Token
}

func (e *testEnv) sessionFor(t *testing.T, userID string) Session {
	t.Helper()
	user, err := e.store.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	return Session{UserID: user.ID, UserName: user.FullName, Email: user.Email, IsAdmin: user.IsAdmin}
}

func expiredToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub: userID,
		JTI: util.NewID(),
		Exp: time.Now().Add(-time.Minute).Unix(),
	})
	require.NoError(t, err)
	return token
}
