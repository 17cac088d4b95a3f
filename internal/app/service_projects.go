package app

import (
	"context"
	"database/sql"
	"errors"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"realmforge/api/internal/rbac"
	"realmforge/api/internal/search"
	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
)

const (
	invitationTTL      = 7 * 24 * time.Hour
	recentActivitySize = 3
)

type CreateProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	WorkspaceID string `json:"workspace_id"`
}

type UpdateProjectInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	CoverImage  *string `json:"cover_image"`
}

type PublicSettingsInput struct {
	IsPublic bool                  `json:"is_public"`
	Settings *store.PublicSettings `json:"settings"`
}

type InviteInput struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Service) ListWorkspaces(ctx context.Context, session Session) ([]map[string]any, error) {
	workspaces, err := s.store.ListWorkspacesForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return mapSlice(workspaces, workspacePayload), nil
}

func (s *Service) ListMembers(ctx context.Context, session Session, workspaceID string) ([]map[string]any, error) {
	if _, err := s.workspaceRole(ctx, session.UserID, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return mapSlice(members, memberPayload), nil
}

// InviteMember creates a 7-day invitation and emails it when SMTP is set up.
func (s *Service) InviteMember(ctx context.Context, session Session, workspaceID string, input InviteInput) (map[string]any, error) {
	if _, err := s.workspaceRole(ctx, session.UserID, workspaceID, rbac.ActionManage); err != nil {
		return nil, err
	}
	address := strings.ToLower(strings.TrimSpace(input.Email))
	if _, err := mail.ParseAddress(address); err != nil || address == "" {
		return nil, validationError("A valid email is required")
	}
	role := strings.TrimSpace(input.Role)
	if role == "" {
		role = string(rbac.RoleEditor)
	}
	if !rbac.Assignable(role) {
		return nil, validationError("role must be viewer, editor or admin")
	}

	inv, err := s.store.CreateInvitation(ctx, store.Invitation{
		WorkspaceID: workspaceID,
		Email:       address,
		Token:       util.NewToken(24),
		Role:        role,
		InvitedBy:   session.UserID,
		ExpiresAt:   s.now().Add(invitationTTL).UTC(),
	})
	if err != nil {
		return nil, err
	}

	emailSent := false
	if s.SMTPConfigured() {
		workspaceName := ""
		if pending, err := s.store.GetPendingInvitation(ctx, inv.Token); err == nil {
			workspaceName = pending.WorkspaceName
		}
		link := strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/invite/" + inv.Token
		if err := s.mail.SendInvitationEmail(address, session.UserName, workspaceName, role, link); err != nil {
			s.logger.Warn("send invitation email", zap.String("email", address), zap.Error(err))
		} else {
			emailSent = true
		}
	}

	return map[string]any{
		"id":         inv.ID,
		"email":      inv.Email,
		"role":       inv.Role,
		"token":      inv.Token,
		"expires_at": inv.ExpiresAt,
		"email_sent": emailSent,
	}, nil
}

func (s *Service) InvitationDetails(ctx context.Context, token string) (map[string]any, error) {
	inv, err := s.store.GetPendingInvitation(ctx, strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Invitation not found or expired")
		}
		return nil, err
	}
	return map[string]any{
		"workspace_name": inv.WorkspaceName,
		"email":          inv.Email,
		"role":           inv.Role,
		"expires_at":     inv.ExpiresAt,
	}, nil
}

func (s *Service) AcceptInvitation(ctx context.Context, session Session, token string) (map[string]any, error) {
	inv, err := s.store.AcceptInvitation(ctx, strings.TrimSpace(token), session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, validationError("Invitation is invalid or has expired")
		}
		return nil, err
	}
	if inv.InvitedBy != "" && inv.InvitedBy != session.UserID {
		s.Notify(ctx, inv.InvitedBy, "Invitation accepted",
			session.UserName+" joined "+inv.WorkspaceName, "invite", "/dashboard")
	}
	return map[string]any{
		"workspace_id":   inv.WorkspaceID,
		"workspace_name": inv.WorkspaceName,
		"role":           inv.Role,
	}, nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]map[string]any, error) {
	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return mapSlice(projects, projectPayload), nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationError("Project name is required")
	}

	workspaceID := strings.TrimSpace(input.WorkspaceID)
	if workspaceID == "" {
		personal, err := s.store.PersonalWorkspace(ctx, session.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, notFound("No workspace found for user")
			}
			return nil, err
		}
		workspaceID = personal.ID
	}
	if _, err := s.workspaceRole(ctx, session.UserID, workspaceID, rbac.ActionWrite); err != nil {
		return nil, err
	}

	project, err := s.store.CreateProject(ctx, store.Project{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		WorkspaceID: workspaceID,
		OwnerID:     session.UserID,
	})
	if err != nil {
		return nil, err
	}
	s.indexProject(project)
	return projectPayload(project), nil
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, role, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	payload := projectPayload(project)
	payload["role"] = role
	return payload, nil
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, input UpdateProjectInput) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, validationError("Project name is required")
		}
		project.Name = name
	}
	if input.Description != nil {
		project.Description = strings.TrimSpace(*input.Description)
	}
	if input.CoverImage != nil {
		project.CoverImage = strings.TrimSpace(*input.CoverImage)
	}
	updated, err := s.store.UpdateProject(ctx, project)
	if err != nil {
		return nil, err
	}
	s.indexProject(updated)
	return projectPayload(updated), nil
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	if _, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionDelete); err != nil {
		return err
	}
	documents, err := s.store.ListDocuments(ctx, projectID)
	if err != nil {
		return err
	}
	nodes, err := s.store.ListNodes(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}

	s.search.Delete(search.ResultProject, projectID)
	for _, doc := range documents {
		s.search.Delete(search.ResultDocument, doc.ID)
		if err := s.git.Remove(doc.ID); err != nil {
			s.logger.Warn("remove document history", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
	for _, node := range nodes {
		s.search.Delete(search.ResultWorldNode, node.ID)
	}
	return nil
}

func (s *Service) UpdatePublicSettings(ctx context.Context, session Session, projectID string, input PublicSettingsInput) (map[string]any, error) {
	if _, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionManage); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdatePublicSettings(ctx, projectID, input.IsPublic, input.Settings)
	if err != nil {
		return nil, err
	}
	return projectPayload(updated), nil
}

// ProjectOverview gathers the dashboard counters concurrently.
func (s *Service) ProjectOverview(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}

	var (
		nodeCount, connectionCount, systemCount, taskCount int
		documentLengths                                    []int
		milestones                                         map[string]int
		memberCount                                        int
		recent                                             []store.RecentNode
	)
	g, gctx := errgroup.WithContext(ctx)
	counts := []struct {
		table string
		dest  *int
	}{
		{"world_nodes", &nodeCount},
		{"world_connections", &connectionCount},
		{"systems", &systemCount},
		{"tasks", &taskCount},
	}
	for _, c := range counts {
		g.Go(func() error {
			n, err := s.store.CountProjectRows(gctx, c.table, project.ID)
			*c.dest = n
			return err
		})
	}
	g.Go(func() error {
		var err error
		documentLengths, err = s.store.DocumentContentLengths(gctx, project.ID)
		return err
	})
	g.Go(func() error {
		var err error
		milestones, err = s.store.MilestoneStatusCounts(gctx, project.ID)
		return err
	})
	g.Go(func() error {
		var err error
		memberCount, err = s.store.CountMembers(gctx, project.WorkspaceID)
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = s.store.RecentNodes(gctx, project.ID, recentActivitySize)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if memberCount < 1 {
		memberCount = 1
	}
	activity := make([]map[string]any, 0, len(recent))
	for _, node := range recent {
		activity = append(activity, map[string]any{
			"id":         node.ID,
			"label":      node.Label,
			"created_at": node.CreatedAt,
		})
	}
	if milestones == nil {
		milestones = map[string]int{}
	}

	return map[string]any{
		"project":         projectPayload(project),
		"nodeCount":       nodeCount,
		"connectionCount": connectionCount,
		"systemCount":     systemCount,
		"taskCount":       taskCount,
		"gddWords":        GDDWordEstimate(documentLengths),
		"memberCount":     memberCount,
		"milestoneCounts": milestones,
		"recentActivity":  activity,
	}, nil
}

// GDDWordEstimate approximates words as one per six bytes of stored JSON.
func GDDWordEstimate(lengths []int) int {
	total := 0
	for _, n := range lengths {
		total += (n + 5) / 6
	}
	return total
}

func (s *Service) indexProject(p store.Project) {
	s.search.IndexProject(search.ProjectRecord{ID: p.ID, Name: p.Name, Description: p.Description})
}
