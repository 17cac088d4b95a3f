package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"realmforge/api/internal/ai"
	"realmforge/api/internal/auth"
	"realmforge/api/internal/authpw"
	"realmforge/api/internal/config"
	"realmforge/api/internal/email"
	"realmforge/api/internal/export"
	"realmforge/api/internal/gitrepo"
	"realmforge/api/internal/rbac"
	"realmforge/api/internal/realtime"
	"realmforge/api/internal/search"
	"realmforge/api/internal/seo"
	"realmforge/api/internal/session"
	"realmforge/api/internal/storage"
	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	IsAdmin      bool
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	authpw.UserStore
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	UpdateProfile(context.Context, string, string, string) error

	ListWorkspacesForUser(context.Context, string) ([]store.Workspace, error)
	PersonalWorkspace(context.Context, string) (store.Workspace, error)
	MemberRole(context.Context, string, string) (string, error)
	ListMembers(context.Context, string) ([]store.Member, error)
	CountMembers(context.Context, string) (int, error)
	CreateInvitation(context.Context, store.Invitation) (store.Invitation, error)
	GetPendingInvitation(context.Context, string) (store.Invitation, error)
	AcceptInvitation(context.Context, string, string) (store.Invitation, error)

	CreateProject(context.Context, store.Project) (store.Project, error)
	GetProject(context.Context, string) (store.Project, error)
	ListProjectsForUser(context.Context, string) ([]store.Project, error)
	ProjectIDsForUser(context.Context, string) ([]string, error)
	UpdateProject(context.Context, store.Project) (store.Project, error)
	UpdatePublicSettings(context.Context, string, bool, *store.PublicSettings) (store.Project, error)
	TouchProject(context.Context, string) error
	DeleteProject(context.Context, string) error
	CountProjectRows(context.Context, string, string) (int, error)
	DocumentContentLengths(context.Context, string) ([]int, error)
	MilestoneStatusCounts(context.Context, string) (map[string]int, error)
	RecentNodes(context.Context, string, int) ([]store.RecentNode, error)

	ListColumns(context.Context, string) ([]store.TaskColumn, error)
	GetColumn(context.Context, string) (store.TaskColumn, error)
	InsertColumn(context.Context, store.TaskColumn) (store.TaskColumn, error)
	UpdateColumn(context.Context, store.TaskColumn) error
	DeleteColumn(context.Context, string) error
	ApplyColumnOrder(context.Context, []string) error
	ListTasks(context.Context, string) ([]store.Task, error)
	GetTask(context.Context, string) (store.Task, error)
	InsertTask(context.Context, store.Task) (store.Task, error)
	UpdateTask(context.Context, store.Task) (store.Task, error)
	DeleteTask(context.Context, string) error
	ApplyTaskOrder(context.Context, map[string][]string) error
	TaskTitles(context.Context, string) ([]string, error)

	ListDocuments(context.Context, string) ([]store.ProjectDocument, error)
	GetDocument(context.Context, string) (store.ProjectDocument, error)
	GetMainDocument(context.Context, string) (store.ProjectDocument, error)
	InsertDocument(context.Context, store.ProjectDocument) (store.ProjectDocument, error)
	UpdateDocument(context.Context, store.ProjectDocument) (store.ProjectDocument, error)
	DeleteDocument(context.Context, string) error
	SetMainDocument(context.Context, string, string) error
	DocumentTitles(context.Context, string) ([]string, error)
	ListTemplates(context.Context, string) ([]store.GDDTemplate, error)
	GetTemplate(context.Context, string) (store.GDDTemplate, error)
	UpsertTemplate(context.Context, store.GDDTemplate) error

	ListNodes(context.Context, string) ([]store.WorldNode, error)
	GetNode(context.Context, string) (store.WorldNode, error)
	InsertNode(context.Context, store.WorldNode) (store.WorldNode, error)
	UpdateNode(context.Context, store.WorldNode) (store.WorldNode, error)
	MoveNode(context.Context, string, float64, float64) error
	DeleteNode(context.Context, string) error
	ListConnections(context.Context, string) ([]store.WorldConnection, error)
	GetConnection(context.Context, string) (store.WorldConnection, error)
	InsertConnection(context.Context, store.WorldConnection) (store.WorldConnection, error)
	UpdateConnection(context.Context, store.WorldConnection) (store.WorldConnection, error)
	DeleteConnection(context.Context, string) error

	ListSystems(context.Context, string) ([]store.System, error)
	GetSystem(context.Context, string) (store.System, error)
	InsertSystem(context.Context, store.System) (store.System, error)
	UpdateSystem(context.Context, store.System) (store.System, error)
	DeleteSystem(context.Context, string) error
	SystemNames(context.Context, string) ([]string, error)

	ListMilestones(context.Context, string) ([]store.Milestone, error)
	GetMilestone(context.Context, string) (store.Milestone, error)
	InsertMilestone(context.Context, store.Milestone) (store.Milestone, error)
	UpdateMilestone(context.Context, store.Milestone) (store.Milestone, error)
	DeleteMilestone(context.Context, string) error

	ListNotifications(context.Context, string, int) ([]store.Notification, error)
	CountUnreadNotifications(context.Context, string) (int, error)
	InsertNotification(context.Context, store.Notification) (store.Notification, error)
	MarkNotificationRead(context.Context, string, string) error
	MarkAllNotificationsRead(context.Context, string) (int64, error)

	ListPosts(context.Context) ([]store.ContentPost, error)
	ListPublishedPosts(context.Context, string) ([]store.ContentPost, error)
	GetPost(context.Context, string) (store.ContentPost, error)
	GetPublishedPostBySlug(context.Context, string) (store.ContentPost, error)
	InsertPost(context.Context, store.ContentPost) (store.ContentPost, error)
	UpdatePost(context.Context, store.ContentPost) (store.ContentPost, error)
	DeletePost(context.Context, string) error
}

// SessionStore keeps refresh sessions and revoked access tokens. Both
// *session.RedisStore and *store.PostgresStore implement it.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	// ConsumeRefreshSession returns the owner of a live refresh token and
	// retires it in the same step, so a token can rotate only once.
	ConsumeRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type historyService interface {
	EnsureDocumentRepo(string, gitrepo.Content, string) error
	Commit(string, gitrepo.Content, string, string) (store.CommitInfo, bool, error)
	Revision(string, string) (gitrepo.Content, store.CommitInfo, error)
	Restore(string, string, string) (gitrepo.Content, store.CommitInfo, error)
	History(string, int) ([]store.CommitInfo, error)
	CreateTag(string, string, string, string) (gitrepo.Tag, error)
	Tags(string) ([]gitrepo.Tag, error)
	Remove(string) error
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexProject(search.ProjectRecord)
	IndexDocument(search.DocumentRecord)
	IndexNode(search.NodeRecord)
	IndexPost(search.PostRecord, bool)
	Delete(search.ResultType, string)
}

// noopSearch stands in when no search backend is wired.
type noopSearch struct{}

func (noopSearch) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}
func (noopSearch) IndexProject(search.ProjectRecord)   {}
func (noopSearch) IndexDocument(search.DocumentRecord) {}
func (noopSearch) IndexNode(search.NodeRecord)         {}
func (noopSearch) IndexPost(search.PostRecord, bool)   {}
func (noopSearch) Delete(search.ResultType, string)    {}

type mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
	SendInvitationEmail(to, inviterName, workspaceName, role, acceptURL string) error
}

type objectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	KeyFromURL(raw string) (string, bool)
}

type exporter interface {
	Export(context.Context, export.Document, export.Format) (*export.Result, error)
}

type publisher interface {
	Publish(realtime.Event)
}

// Deps are the collaborators wired by the server command. Storage and Email
// may be nil when unconfigured.
type Deps struct {
	Store    *store.PostgresStore
	Sessions SessionStore
	Git      *gitrepo.Service
	Search   *search.Service
	Email    *email.Service
	Storage  *storage.Store
	Export   *export.Service
	AI       *ai.Helper
	Hub      *realtime.Hub
	Catalog  *seo.Catalog
	Logger   *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	accounts *authpw.Service
	git      historyService
	search   searchService
	mail     mailer
	objects  objectStore
	exporter exporter
	ai       *ai.Helper
	events   publisher
	catalog  *seo.Catalog
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		accounts: authpw.NewService(deps.Store),
		search:   noopSearch{},
		exporter: deps.Export,
		ai:       deps.AI,
		catalog:  deps.Catalog,
		logger:   logger.Named("app"),
		now:      time.Now,
	}
	if s.sessions == nil {
		s.sessions = deps.Store
	}
	if deps.Export == nil {
		s.exporter = export.NewService()
	}
	if deps.Git != nil {
		s.git = deps.Git
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Email != nil {
		s.mail = deps.Email
	}
	if deps.Storage != nil {
		s.objects = deps.Storage
	}
	if deps.Hub != nil {
		s.events = deps.Hub
	}
	return s
}

// Bootstrap seeds the GDD starter templates.
func (s *Service) Bootstrap(ctx context.Context) error {
	templates, err := seo.GDDTemplates()
	if err != nil {
		return err
	}
	for _, tpl := range templates {
		if err := s.store.UpsertTemplate(ctx, tpl); err != nil {
			return err
		}
	}
	s.logger.Info("seeded gdd templates", zap.Int("count", len(templates)))
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.accounts
}

func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// SendVerification emails the verification link; failures are logged only.
func (s *Service) SendVerification(userEmail, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	link := strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/verify-email?token=" + token
	if err := s.mail.SendVerificationEmail(userEmail, userName, link); err != nil {
		s.logger.Warn("send verification email", zap.String("email", userEmail), zap.Error(err))
	}
}

func (s *Service) SendPasswordReset(ctx context.Context, userEmail, token string) {
	if !s.SMTPConfigured() || token == "" {
		return
	}
	name := ""
	if user, err := s.store.GetUserByEmail(ctx, userEmail); err == nil {
		name = user.FullName
	}
	link := strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/reset-password?token=" + token
	if err := s.mail.SendPasswordResetEmail(userEmail, name, link); err != nil {
		s.logger.Warn("send password reset email", zap.String("email", userEmail), zap.Error(err))
	}
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.ConsumeRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrSessionNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID()

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:     user.ID,
		Email:   user.Email,
		Name:    user.FullName,
		IsAdmin: user.IsAdmin,
		JTI:     jti,
		Exp:     expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken(32)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.FullName,
		Email:        user.Email,
		IsAdmin:      user.IsAdmin,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.FullName,
		Email:     user.Email,
		IsAdmin:   user.IsAdmin,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) UpdateProfile(ctx context.Context, session Session, fullName, avatarURL *string) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if fullName != nil {
		name := strings.TrimSpace(*fullName)
		if name == "" {
			return nil, validationError("full_name must not be empty")
		}
		user.FullName = name
	}
	if avatarURL != nil {
		user.AvatarURL = strings.TrimSpace(*avatarURL)
	}
	if err := s.store.UpdateProfile(ctx, user.ID, user.FullName, user.AvatarURL); err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func (s *Service) Profile(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// workspaceRole returns the caller's role. Non-members get NOT_FOUND so
// workspace ids are not disclosed.
func (s *Service) workspaceRole(ctx context.Context, userID, workspaceID string, action rbac.Action) (string, error) {
	role, err := s.store.MemberRole(ctx, workspaceID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", notFound("Workspace not found")
		}
		return "", err
	}
	if !s.Can(role, action) {
		return "", forbidden()
	}
	return role, nil
}

// projectAccess loads the project and checks the caller's workspace role.
func (s *Service) projectAccess(ctx context.Context, userID, projectID string, action rbac.Action) (store.Project, string, error) {
	if !util.IsUUID(projectID) {
		return store.Project{}, "", notFound("Project not found")
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, "", notFoundOr(err, "Project not found")
	}
	role, err := s.store.MemberRole(ctx, project.WorkspaceID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, "", notFound("Project not found")
		}
		return store.Project{}, "", err
	}
	if !s.Can(role, action) {
		return store.Project{}, "", forbidden()
	}
	return project, role, nil
}

// AuthorizeTopic gates realtime subscriptions: project topics need read
// access, user topics belong to that user only.
func (s *Service) AuthorizeTopic(ctx context.Context, userID, topic string) error {
	parts := strings.Split(topic, ":")
	if len(parts) != 3 {
		return forbidden()
	}
	switch parts[0] {
	case "project":
		_, _, err := s.projectAccess(ctx, userID, parts[1], rbac.ActionRead)
		return err
	case "user":
		if parts[1] == userID {
			return nil
		}
	}
	return forbidden()
}

func (s *Service) publish(event realtime.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(event)
}

// touch bumps the project's updated_at after a child mutation.
func (s *Service) touch(ctx context.Context, projectID string) {
	if err := s.store.TouchProject(ctx, projectID); err != nil {
		s.logger.Warn("touch project", zap.String("project_id", projectID), zap.Error(err))
	}
}

func (s *Service) requireAI() error {
	if !s.ai.Available() {
		return aiUnavailable()
	}
	return nil
}
