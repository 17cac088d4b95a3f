package app

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"realmforge/api/internal/auth"
	"realmforge/api/internal/authpw"
	"realmforge/api/internal/export"
	"realmforge/api/internal/realtime"
	"realmforge/api/internal/storage"
	"realmforge/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	realtime   *realtime.Handler
	logger     *zap.Logger
}

// NewHTTPServer builds the API server. rt may be nil, in which case the
// realtime endpoint answers 503.
func NewHTTPServer(service *Service, corsOrigin string, rt *realtime.Handler, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, realtime: rt, logger: logger.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.handlePublic(w, r) {
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	var handled bool
	switch parts[1] {
	case "session":
		handled = s.handleSession(w, r, session, parts)
	case "profile":
		handled = s.handleProfile(w, r, session, parts)
	case "invitations":
		handled = s.handleInvitationAccept(w, r, session, parts)
	case "workspaces":
		handled = s.handleWorkspaces(w, r, session, parts)
	case "projects":
		handled = s.handleProjects(w, r, session, parts)
	case "columns", "tasks":
		handled = s.handleBoard(w, r, session, parts)
	case "documents":
		handled = s.handleDocuments(w, r, session, parts)
	case "gdd-templates":
		if r.Method == http.MethodGet && len(parts) == 2 {
			items, err := s.service.ListGDDTemplates(r.Context(), r.URL.Query().Get("category"))
			s.respond(w, r, http.StatusOK, map[string]any{"templates": items}, err)
			handled = true
		}
	case "nodes", "connections":
		handled = s.handleWorld(w, r, session, parts)
	case "systems":
		handled = s.handleSystems(w, r, session, parts)
	case "milestones":
		handled = s.handleMilestones(w, r, session, parts)
	case "notifications":
		handled = s.handleNotifications(w, r, session, parts)
	case "search":
		handled = s.handleSearch(w, r, session, parts)
	case "admin":
		handled = s.handleAdmin(w, r, session, parts)
	}
	if !handled {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handlePublic serves every route that needs no session. It reports
// whether the request was handled.
func (s *HTTPServer) handlePublic(w http.ResponseWriter, r *http.Request) bool {
	path := r.URL.Path
	get := r.Method == http.MethodGet || r.Method == http.MethodHead

	switch {
	case get && path == "/api/health":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true
	case get && path == "/api/ready":
		s.handleReady(w, r)
		return true
	case get && path == "/sitemap.xml":
		var buf bytes.Buffer
		if err := s.service.WriteSitemap(r.Context(), &buf); err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return true
	case get && path == "/api/realtime":
		s.handleRealtime(w, r)
		return true
	}

	if r.Method == http.MethodPost && strings.HasPrefix(path, "/api/auth/") {
		switch strings.TrimPrefix(path, "/api/auth/") {
		case "signup":
			s.handleAuthSignUp(w, r)
		case "signin":
			s.handleAuthSignIn(w, r)
		case "verify-email":
			s.handleAuthVerifyEmail(w, r)
		case "reset-password/request":
			s.handleAuthRequestReset(w, r)
		case "reset-password":
			s.handleAuthResetPassword(w, r)
		default:
			return false
		}
		return true
	}

	if r.Method == http.MethodGet && path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return true
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return true
		}
		writeJSON(w, http.StatusOK, sessionInfo(session))
		return true
	}

	if r.Method == http.MethodPost && path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
				return true
			}
			s.writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return true
	}

	if r.Method == http.MethodPost && path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true
	}

	parts := splitPath(path)

	// /api/invitations/{token}
	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "invitations" {
		payload, err := s.service.InvitationDetails(r.Context(), parts[2])
		s.respond(w, r, http.StatusOK, payload, err)
		return true
	}

	if !get || len(parts) < 3 || parts[0] != "api" || parts[1] != "public" {
		return false
	}
	switch {
	case len(parts) == 4 && parts[2] == "projects":
		payload, err := s.service.Showcase(r.Context(), parts[3])
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 3 && parts[2] == "posts":
		items, err := s.service.ListPublishedPosts(r.Context())
		s.respond(w, r, http.StatusOK, map[string]any{"posts": items}, err)
	case len(parts) == 4 && parts[2] == "posts":
		payload, err := s.service.GetPublishedPost(r.Context(), parts[3])
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 3 && parts[2] == "templates":
		writeJSON(w, http.StatusOK, map[string]any{"templates": s.service.ListSEOTemplates()})
	case len(parts) == 4 && parts[2] == "templates":
		tpl, err := s.service.GetSEOTemplate(parts[3])
		s.respond(w, r, http.StatusOK, tpl, err)
	default:
		return false
	}
	return true
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	checks["realtime"] = map[string]any{"status": boolStatus(s.realtime != nil)}
	checks["smtp"] = map[string]any{"status": boolStatus(s.service.SMTPConfigured())}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "disabled"
}

// handleRealtime accepts the token as a query parameter because browsers
// cannot set headers on a WebSocket handshake.
func (s *HTTPServer) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if s.realtime == nil {
		writeError(w, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime is not enabled", nil)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.realtime.Serve(w, r, session.UserID)
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if r.Method == http.MethodGet && len(parts) == 2 {
		writeJSON(w, http.StatusOK, sessionInfo(session))
		return true
	}
	return false
}

func sessionInfo(session Session) map[string]any {
	return map[string]any{
		"authenticated": true,
		"userName":      session.UserName,
		"userId":        session.UserID,
		"email":         session.Email,
		"isAdmin":       session.IsAdmin,
	}
}

func (s *HTTPServer) handleProfile(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if len(parts) != 2 {
		return false
	}
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.Profile(r.Context(), session)
		s.respond(w, r, http.StatusOK, payload, err)
	case http.MethodPut:
		var body struct {
			FullName  *string `json:"full_name"`
			AvatarURL *string `json:"avatar_url"`
		}
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.UpdateProfile(r.Context(), session, body.FullName, body.AvatarURL)
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		return false
	}
	return true
}

func (s *HTTPServer) handleInvitationAccept(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "accept" {
		payload, err := s.service.AcceptInvitation(r.Context(), session, parts[2])
		s.respond(w, r, http.StatusOK, payload, err)
		return true
	}
	return false
}

func (s *HTTPServer) handleWorkspaces(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	switch {
	case r.Method == http.MethodGet && len(parts) == 2:
		items, err := s.service.ListWorkspaces(r.Context(), session)
		s.respond(w, r, http.StatusOK, map[string]any{"workspaces": items}, err)
	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "members":
		items, err := s.service.ListMembers(r.Context(), session, parts[2])
		s.respond(w, r, http.StatusOK, map[string]any{"members": items}, err)
	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "invitations":
		var body InviteInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.InviteMember(r.Context(), session, parts[2], body)
		s.respond(w, r, http.StatusCreated, payload, err)
	default:
		return false
	}
	return true
}

// handleProjects serves /api/projects and everything nested under a project.
func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	ctx := r.Context()
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListProjects(ctx, session)
			s.respond(w, r, http.StatusOK, map[string]any{"projects": items}, err)
		case http.MethodPost:
			var body CreateProjectInput
			if !decodeOrFail(w, r, &body) {
				return true
			}
			payload, err := s.service.CreateProject(ctx, session, body)
			s.respond(w, r, http.StatusCreated, payload, err)
		default:
			return false
		}
		return true
	}

	projectID := parts[2]
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetProject(ctx, session, projectID)
			s.respond(w, r, http.StatusOK, payload, err)
		case http.MethodPut:
			var body UpdateProjectInput
			if !decodeOrFail(w, r, &body) {
				return true
			}
			payload, err := s.service.UpdateProject(ctx, session, projectID, body)
			s.respond(w, r, http.StatusOK, payload, err)
		case http.MethodDelete:
			s.respondOK(w, r, s.service.DeleteProject(ctx, session, projectID))
		default:
			return false
		}
		return true
	}

	rest := parts[3:]
	route := r.Method + " " + strings.Join(rest, "/")
	switch route {
	case "GET overview":
		payload, err := s.service.ProjectOverview(ctx, session, projectID)
		s.respond(w, r, http.StatusOK, payload, err)
	case "PUT public-settings":
		var body PublicSettingsInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.UpdatePublicSettings(ctx, session, projectID, body)
		s.respond(w, r, http.StatusOK, payload, err)

	case "GET board":
		payload, err := s.service.FetchBoard(ctx, session, projectID)
		s.respond(w, r, http.StatusOK, payload, err)
	case "POST columns":
		var body ColumnInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.AddColumn(ctx, session, projectID, body)
		s.respond(w, r, http.StatusCreated, payload, err)
	case "POST tasks":
		var body TaskInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.AddTask(ctx, session, projectID, body)
		s.respond(w, r, http.StatusCreated, payload, err)
	case "POST tasks/ai/extract", "POST tasks/ai/generate":
		var body AITaskInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		var (
			payload map[string]any
			err     error
		)
		if rest[2] == "extract" {
			payload, err = s.service.ExtractTasks(ctx, session, projectID, body)
		} else {
			payload, err = s.service.GenerateTasks(ctx, session, projectID, body)
		}
		s.respond(w, r, http.StatusOK, payload, err)

	case "GET documents":
		items, err := s.service.ListDocuments(ctx, session, projectID)
		s.respond(w, r, http.StatusOK, map[string]any{"documents": items}, err)
	case "POST documents":
		var body CreateDocumentInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.CreateDocument(ctx, session, projectID, body)
		s.respond(w, r, http.StatusCreated, payload, err)

	case "GET world":
		payload, err := s.service.GetGraph(ctx, session, projectID)
		s.respond(w, r, http.StatusOK, payload, err)
	case "GET world/nodes/search":
		items, err := s.service.SearchNodes(ctx, session, projectID, r.URL.Query().Get("q"))
		s.respond(w, r, http.StatusOK, map[string]any{"nodes": items}, err)
	case "POST world/nodes":
		var body NodeInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.AddNode(ctx, session, projectID, body)
		s.respond(w, r, http.StatusCreated, payload, err)
	case "POST world/connections":
		var body ConnectionInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.AddConnection(ctx, session, projectID, body)
		s.respond(w, r, http.StatusCreated, payload, err)
	case "GET world/export":
		result, err := s.service.ExportWorld(ctx, session, projectID)
		s.respondFile(w, r, result, err)
	case "POST world/ai/suggest-connections":
		payload, err := s.service.SuggestConnections(ctx, session, projectID)
		s.respond(w, r, http.StatusOK, payload, err)

	case "GET systems":
		items, err := s.service.ListSystems(ctx, session, projectID)
		s.respond(w, r, http.StatusOK, map[string]any{"systems": items}, err)
	case "POST systems":
		var body SystemInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.AddSystem(ctx, session, projectID, body)
		s.respond(w, r, http.StatusCreated, payload, err)
	case "GET systems/export":
		result, err := s.service.ExportSystems(ctx, session, projectID, queryDefault(r, "format", "json"))
		s.respondFile(w, r, result, err)
	case "POST systems/ai/generate":
		var body struct {
			Prompt string `json:"prompt"`
		}
		if !decodeOrFail(w, r, &body) {
			return true
		}
		items, err := s.service.GenerateSystems(ctx, session, projectID, body.Prompt)
		s.respond(w, r, http.StatusOK, map[string]any{"systems": items}, err)

	case "GET milestones":
		items, err := s.service.ListMilestones(ctx, session, projectID)
		s.respond(w, r, http.StatusOK, map[string]any{"milestones": items}, err)
	case "POST milestones":
		var body MilestoneInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.AddMilestone(ctx, session, projectID, body)
		s.respond(w, r, http.StatusCreated, payload, err)
	case "POST milestones/ai/generate":
		var body struct {
			Prompt string `json:"prompt"`
		}
		if !decodeOrFail(w, r, &body) {
			return true
		}
		items, err := s.service.GenerateMilestones(ctx, session, projectID, body.Prompt)
		s.respond(w, r, http.StatusOK, map[string]any{"milestones": items}, err)
	default:
		return false
	}
	return true
}

type positionBody struct {
	ColumnID string `json:"column_id"`
	Index    *int   `json:"index"`
}

func (b positionBody) index() (int, error) {
	if b.Index == nil {
		return 0, validationError("index is required")
	}
	return *b.Index, nil
}

// handleBoard serves /api/columns/{id}/... and /api/tasks/{id}/...
func (s *HTTPServer) handleBoard(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if len(parts) < 3 {
		return false
	}
	ctx := r.Context()
	id := parts[2]
	route := r.Method + " " + strings.Join(append([]string{parts[1]}, parts[3:]...), "/")

	switch route {
	case "PUT columns":
		var body ColumnInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.UpdateColumn(ctx, session, id, body)
		s.respond(w, r, http.StatusOK, payload, err)
	case "DELETE columns":
		s.respondOK(w, r, s.service.DeleteColumn(ctx, session, id))
	case "POST columns/reorder":
		var body positionBody
		if !decodeOrFail(w, r, &body) {
			return true
		}
		index, err := body.index()
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		payload, err := s.service.ReorderColumn(ctx, session, id, index)
		s.respond(w, r, http.StatusOK, payload, err)

	case "PUT tasks":
		var body TaskPatch
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.UpdateTask(ctx, session, id, body)
		s.respond(w, r, http.StatusOK, payload, err)
	case "DELETE tasks":
		s.respondOK(w, r, s.service.DeleteTask(ctx, session, id))
	case "POST tasks/move", "POST tasks/reorder":
		var body positionBody
		if !decodeOrFail(w, r, &body) {
			return true
		}
		index, err := body.index()
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		var payload map[string]any
		if parts[3] == "move" {
			payload, err = s.service.MoveTask(ctx, session, id, body.ColumnID, index)
		} else {
			payload, err = s.service.ReorderTask(ctx, session, id, index)
		}
		s.respond(w, r, http.StatusOK, payload, err)
	case "POST tasks/ai/subtasks":
		payload, err := s.service.SuggestSubtasks(ctx, session, id)
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		// POST /api/tasks/{id}/subtasks/{subtaskId}/toggle
		if r.Method == http.MethodPost && parts[1] == "tasks" && len(parts) == 6 && parts[3] == "subtasks" && parts[5] == "toggle" {
			payload, err := s.service.ToggleSubtask(ctx, session, id, parts[4])
			s.respond(w, r, http.StatusOK, payload, err)
			return true
		}
		return false
	}
	return true
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if len(parts) < 3 {
		return false
	}
	ctx := r.Context()
	documentID := parts[2]

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetDocument(ctx, session, documentID)
			s.respond(w, r, http.StatusOK, payload, err)
		case http.MethodPut:
			var body SaveDocumentInput
			if !decodeOrFail(w, r, &body) {
				return true
			}
			payload, err := s.service.SaveDocument(ctx, session, documentID, body)
			s.respond(w, r, http.StatusOK, payload, err)
		case http.MethodDelete:
			s.respondOK(w, r, s.service.DeleteDocument(ctx, session, documentID))
		default:
			return false
		}
		return true
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "history":
		limit, err := queryInt(r, "limit", defaultHistoryLimit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		payload, err := s.service.DocumentHistory(ctx, session, documentID, limit)
		s.respond(w, r, http.StatusOK, payload, err)
	case r.Method == http.MethodGet && len(parts) == 5 && parts[3] == "revisions":
		payload, err := s.service.DocumentRevision(ctx, session, documentID, parts[4])
		s.respond(w, r, http.StatusOK, payload, err)
	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "restore":
		var body struct {
			Revision string `json:"revision"`
		}
		if !decodeOrFail(w, r, &body) {
			return true
		}
		if strings.TrimSpace(body.Revision) == "" {
			s.writeServiceError(w, r, validationError("revision is required"))
			return true
		}
		payload, err := s.service.RestoreRevision(ctx, session, documentID, body.Revision)
		s.respond(w, r, http.StatusOK, payload, err)
	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "tags":
		var body struct {
			Name     string `json:"name"`
			Revision string `json:"revision"`
		}
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.TagVersion(ctx, session, documentID, body.Name, body.Revision)
		s.respond(w, r, http.StatusCreated, payload, err)
	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "export":
		result, err := s.service.ExportDocument(ctx, session, documentID, queryDefault(r, "format", string(export.FormatMarkdown)))
		s.respondFile(w, r, result, err)
	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "main":
		payload, err := s.service.SetMainGDD(ctx, session, documentID)
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		return false
	}
	return true
}

// handleWorld serves /api/nodes/{id}/... and /api/connections/{id}.
func (s *HTTPServer) handleWorld(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if len(parts) < 3 {
		return false
	}
	ctx := r.Context()
	id := parts[2]

	if parts[1] == "connections" {
		if len(parts) != 3 {
			return false
		}
		switch r.Method {
		case http.MethodPut:
			var body ConnectionPatch
			if !decodeOrFail(w, r, &body) {
				return true
			}
			payload, err := s.service.UpdateConnection(ctx, session, id, body)
			s.respond(w, r, http.StatusOK, payload, err)
		case http.MethodDelete:
			s.respondOK(w, r, s.service.DeleteConnection(ctx, session, id))
		default:
			return false
		}
		return true
	}

	switch {
	case r.Method == http.MethodPut && len(parts) == 3:
		var body NodePatch
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.UpdateNode(ctx, session, id, body)
		s.respond(w, r, http.StatusOK, payload, err)
	case r.Method == http.MethodDelete && len(parts) == 3:
		s.respondOK(w, r, s.service.DeleteNode(ctx, session, id))
	case r.Method == http.MethodPut && len(parts) == 4 && parts[3] == "position":
		var body struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
		}
		if !decodeOrFail(w, r, &body) {
			return true
		}
		if body.X == nil || body.Y == nil {
			s.writeServiceError(w, r, validationError("x and y are required"))
			return true
		}
		s.respondOK(w, r, s.service.MoveNode(ctx, session, id, *body.X, *body.Y))
	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "image":
		upload, err := readUpload(w, r)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		defer upload.Close()
		payload, err := s.service.UploadNodeImage(ctx, session, id, upload.body, upload.size, upload.contentType)
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		return false
	}
	return true
}

func (s *HTTPServer) handleSystems(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if len(parts) < 3 {
		return false
	}
	ctx := r.Context()
	id := parts[2]
	switch {
	case r.Method == http.MethodPut && len(parts) == 3:
		var body SystemInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.UpdateSystem(ctx, session, id, body)
		s.respond(w, r, http.StatusOK, payload, err)
	case r.Method == http.MethodDelete && len(parts) == 3:
		s.respondOK(w, r, s.service.DeleteSystem(ctx, session, id))
	case r.Method == http.MethodPost && len(parts) == 5 && parts[3] == "ai" && parts[4] == "io":
		payload, err := s.service.SuggestSystemIO(ctx, session, id)
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		return false
	}
	return true
}

func (s *HTTPServer) handleMilestones(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if len(parts) != 3 {
		return false
	}
	switch r.Method {
	case http.MethodPut:
		var body MilestoneInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.UpdateMilestone(r.Context(), session, parts[2], body)
		s.respond(w, r, http.StatusOK, payload, err)
	case http.MethodDelete:
		s.respondOK(w, r, s.service.DeleteMilestone(r.Context(), session, parts[2]))
	default:
		return false
	}
	return true
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	ctx := r.Context()
	switch {
	case r.Method == http.MethodGet && len(parts) == 2:
		limit, err := queryInt(r, "limit", defaultNotificationLimit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		payload, err := s.service.ListNotifications(ctx, session, limit)
		s.respond(w, r, http.StatusOK, payload, err)
	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "read-all":
		payload, err := s.service.MarkAllNotificationsRead(ctx, session)
		s.respond(w, r, http.StatusOK, payload, err)
	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "read":
		s.respondOK(w, r, s.service.MarkNotificationRead(ctx, session, parts[2]))
	default:
		return false
	}
	return true
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if r.Method != http.MethodGet || len(parts) != 2 {
		return false
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.writeServiceError(w, r, err)
		return true
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeServiceError(w, r, err)
		return true
	}
	q := r.URL.Query()
	payload, err := s.service.Search(r.Context(), session, SearchInput{
		Query:     q.Get("q"),
		Type:      q.Get("type"),
		ProjectID: q.Get("projectId"),
		Limit:     limit,
		Offset:    offset,
	})
	s.respond(w, r, http.StatusOK, payload, err)
	return true
}

// handleAdmin serves the CMS under /api/admin/posts.
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if len(parts) < 3 || parts[2] != "posts" {
		return false
	}
	ctx := r.Context()
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.AdminListPosts(ctx, session)
			s.respond(w, r, http.StatusOK, map[string]any{"posts": items}, err)
		case http.MethodPost:
			var body PostInput
			if !decodeOrFail(w, r, &body) {
				return true
			}
			payload, err := s.service.CreatePost(ctx, session, body)
			s.respond(w, r, http.StatusCreated, payload, err)
		default:
			return false
		}
		return true
	}

	postID := parts[3]
	switch {
	case r.Method == http.MethodGet && len(parts) == 4:
		payload, err := s.service.AdminGetPost(ctx, session, postID)
		s.respond(w, r, http.StatusOK, payload, err)
	case r.Method == http.MethodPut && len(parts) == 4:
		var body PostInput
		if !decodeOrFail(w, r, &body) {
			return true
		}
		payload, err := s.service.UpdatePost(ctx, session, postID, body)
		s.respond(w, r, http.StatusOK, payload, err)
	case r.Method == http.MethodDelete && len(parts) == 4:
		s.respondOK(w, r, s.service.DeletePost(ctx, session, postID))
	case r.Method == http.MethodPost && len(parts) == 5 && parts[4] == "cover":
		if err := requireAdmin(session); err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		upload, err := readUpload(w, r)
		if err != nil {
			s.writeServiceError(w, r, err)
			return true
		}
		defer upload.Close()
		payload, err := s.service.UploadPostCover(ctx, session, postID, upload.body, upload.size, upload.contentType)
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		return false
	}
	return true
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) respondOK(w http.ResponseWriter, r *http.Request, err error) {
	s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
}

// respondFile writes an export as a download.
func (s *HTTPServer) respondFile(w http.ResponseWriter, r *http.Request, result *export.Result, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && code == "SERVER_ERROR" {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = util.NewID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeOrFail(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, validationError(key + " must be an integer")
	}
	return value, nil
}

func queryDefault(r *http.Request, key, fallback string) string {
	if value := strings.TrimSpace(r.URL.Query().Get(key)); value != "" {
		return value
	}
	return fallback
}

type upload struct {
	body        io.Reader
	size        int64
	contentType string
	closer      io.Closer
}

func (u upload) Close() {
	if u.closer != nil {
		_ = u.closer.Close()
	}
}

// readUpload accepts either a multipart form with a "file" field or a raw
// image body.
func readUpload(w http.ResponseWriter, r *http.Request) (upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxImageBytes+1<<20)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			return upload{}, validationError("file is required")
		}
		contentType := header.Header.Get("Content-Type")
		return upload{body: file, size: header.Size, contentType: contentType, closer: file}, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, storage.MaxImageBytes+1))
	if err != nil {
		return upload{}, validationError("could not read upload")
	}
	if len(data) == 0 {
		return upload{}, validationError("file is required")
	}
	return upload{body: bytes.NewReader(data), size: int64(len(data)), contentType: mediaType}, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"isAdmin":      session.IsAdmin,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, "TOO_LARGE", "Upload is too large", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"fullName"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}

	resp, err := s.service.AuthPasswordService().SignUp(r.Context(), authpw.SignUpRequest{
		Email:    body.Email,
		Password: body.Password,
		FullName: body.FullName,
	})
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrEmailTaken):
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrInvalidEmail), errors.Is(err, authpw.ErrWeakPassword):
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		default:
			s.writeServiceError(w, r, err)
		}
		return
	}

	response := map[string]any{
		"userId":  resp.UserID,
		"message": "Please check your email to verify your account",
	}
	if s.service.SMTPConfigured() {
		s.service.SendVerification(strings.ToLower(strings.TrimSpace(body.Email)), body.FullName, resp.VerificationToken)
	} else {
		response["devVerificationToken"] = resp.VerificationToken
		response["message"] = "Account created. Verify your email to continue."
	}
	writeJSON(w, http.StatusCreated, response)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}

	resp, err := s.service.AuthPasswordService().SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) || errors.Is(err, authpw.ErrMissingFields) {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	if resp.RequiresVerify {
		writeError(w, http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), resp.User.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleAuthVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	if err := s.service.AuthPasswordService().VerifyEmail(r.Context(), body.Token); err != nil {
		if errors.Is(err, authpw.ErrInvalidToken) {
			writeError(w, http.StatusBadRequest, "VERIFICATION_FAILED", err.Error(), nil)
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Email verified successfully"})
}

func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}

	token, err := s.service.AuthPasswordService().RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		s.logger.Warn("password reset request failed", zap.Error(err))
	}

	response := map[string]any{"message": "If an account exists, a reset email has been sent"}
	if s.service.SMTPConfigured() {
		s.service.SendPasswordReset(r.Context(), strings.ToLower(strings.TrimSpace(body.Email)), token)
	} else {
		// Unknown addresses get an unusable token so both replies look alike.
		if token == "" {
			token = util.NewToken(32)
		}
		response["devResetToken"] = token
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}

	err := s.service.AuthPasswordService().ResetPassword(r.Context(), authpw.ResetPasswordRequest{
		Token:       body.Token,
		NewPassword: body.NewPassword,
	})
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrInvalidToken), errors.Is(err, authpw.ErrWeakPassword), errors.Is(err, authpw.ErrMissingFields):
			writeError(w, http.StatusBadRequest, "RESET_FAILED", err.Error(), nil)
		default:
			s.writeServiceError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password reset successfully"})
}
