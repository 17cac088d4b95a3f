package app

import (
	"encoding/json"
	"time"

	"realmforge/api/internal/store"
)

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func stringOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func rawOrEmptyDoc(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(store.EmptyDocContent)
	}
	return raw
}

func nonNilStrings(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func userPayload(u store.User) map[string]any {
	return map[string]any{
		"id":             u.ID,
		"email":          u.Email,
		"full_name":      u.FullName,
		"avatar_url":     u.AvatarURL,
		"is_admin":       u.IsAdmin,
		"email_verified": u.EmailVerified,
		"created_at":     u.CreatedAt,
	}
}

func workspacePayload(w store.Workspace) map[string]any {
	return map[string]any{
		"id":         w.ID,
		"name":       w.Name,
		"owner_id":   w.OwnerID,
		"role":       w.Role,
		"created_at": w.CreatedAt,
	}
}

func memberPayload(m store.Member) map[string]any {
	return map[string]any{
		"id":           m.ID,
		"workspace_id": m.WorkspaceID,
		"user_id":      m.UserID,
		"role":         m.Role,
		"full_name":    m.FullName,
		"email":        m.Email,
		"joined_at":    m.JoinedAt,
	}
}

func publicSettingsPayload(ps *store.PublicSettings) any {
	if ps == nil {
		return nil
	}
	return ps
}

func projectPayload(p store.Project) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"name":            p.Name,
		"description":     p.Description,
		"workspace_id":    p.WorkspaceID,
		"owner_id":        p.OwnerID,
		"is_public":       p.IsPublic,
		"public_settings": publicSettingsPayload(p.PublicSettings),
		"cover_image":     p.CoverImage,
		"created_at":      p.CreatedAt,
		"updated_at":      p.UpdatedAt,
	}
}

func columnPayload(c store.TaskColumn) map[string]any {
	return map[string]any{
		"id":          c.ID,
		"project_id":  c.ProjectID,
		"name":        c.Name,
		"order_index": c.OrderIndex,
		"color":       c.Color,
		"created_at":  c.CreatedAt,
	}
}

func taskPayload(t store.Task) map[string]any {
	subtasks := t.Subtasks
	if subtasks == nil {
		subtasks = []store.Subtask{}
	}
	return map[string]any{
		"id":          t.ID,
		"project_id":  t.ProjectID,
		"column_id":   t.ColumnID,
		"title":       t.Title,
		"description": t.Description,
		"priority":    t.Priority,
		"due_date":    timeOrNil(t.DueDate),
		"order_index": t.OrderIndex,
		"labels":      nonNilStrings(t.Labels),
		"subtasks":    subtasks,
		"assignee_id": stringOrNil(t.AssigneeID),
		"created_at":  t.CreatedAt,
		"updated_at":  t.UpdatedAt,
	}
}

func documentSummaryPayload(d store.ProjectDocument) map[string]any {
	return map[string]any{
		"id":          d.ID,
		"project_id":  d.ProjectID,
		"title":       d.Title,
		"is_main_gdd": d.IsMainGDD,
		"updated_by":  d.UpdatedBy,
		"created_at":  d.CreatedAt,
		"updated_at":  d.UpdatedAt,
	}
}

func documentPayload(d store.ProjectDocument) map[string]any {
	payload := documentSummaryPayload(d)
	payload["content"] = rawOrEmptyDoc(d.Content)
	return payload
}

func templatePayload(t store.GDDTemplate) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"slug":        t.Slug,
		"name":        t.Name,
		"description": t.Description,
		"category":    t.Category,
		"content":     rawOrEmptyDoc(t.Content),
		"created_at":  t.CreatedAt,
	}
}

func commitPayload(c store.CommitInfo) map[string]any {
	return map[string]any{
		"hash":       c.Hash,
		"message":    c.Message,
		"author":     c.Author,
		"created_at": c.CreatedAt,
	}
}

func nodePayload(n store.WorldNode) map[string]any {
	metadata := n.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	return map[string]any{
		"id":             n.ID,
		"project_id":     n.ProjectID,
		"x":              n.X,
		"y":              n.Y,
		"label":          n.Label,
		"color":          n.Color,
		"node_type":      n.NodeType,
		"description":    n.Description,
		"image_url":      n.ImageURL,
		"gameplay_notes": n.GameplayNotes,
		"lore":           n.Lore,
		"tags":           nonNilStrings(n.Tags),
		"metadata":       metadata,
		"created_at":     n.CreatedAt,
		"updated_at":     n.UpdatedAt,
	}
}

func connectionPayload(c store.WorldConnection) map[string]any {
	return map[string]any{
		"id":              c.ID,
		"project_id":      c.ProjectID,
		"from_node_id":    c.FromNodeID,
		"to_node_id":      c.ToNodeID,
		"connection_type": c.ConnectionType,
		"requirements":    c.Requirements,
		"notes":           c.Notes,
		"created_at":      c.CreatedAt,
	}
}

func systemPayload(s store.System) map[string]any {
	return map[string]any{
		"id":          s.ID,
		"project_id":  s.ProjectID,
		"name":        s.Name,
		"description": s.Description,
		"inputs":      nonNilStrings(s.Inputs),
		"outputs":     nonNilStrings(s.Outputs),
		"created_at":  s.CreatedAt,
		"updated_at":  s.UpdatedAt,
	}
}

func milestonePayload(m store.Milestone) map[string]any {
	return map[string]any{
		"id":          m.ID,
		"project_id":  m.ProjectID,
		"title":       m.Title,
		"description": m.Description,
		"due_date":    timeOrNil(m.DueDate),
		"status":      m.Status,
		"progress":    m.Progress,
		"created_at":  m.CreatedAt,
		"updated_at":  m.UpdatedAt,
	}
}

func notificationPayload(n store.Notification) map[string]any {
	return map[string]any{
		"id":         n.ID,
		"user_id":    n.UserID,
		"title":      n.Title,
		"message":    n.Message,
		"type":       n.Type,
		"link":       n.Link,
		"is_read":    n.IsRead,
		"created_at": n.CreatedAt,
	}
}

func postPayload(p store.ContentPost) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"slug":            p.Slug,
		"title":           p.Title,
		"type":            p.Type,
		"excerpt":         p.Excerpt,
		"content":         rawOrEmptyDoc(p.Content),
		"cover_image":     p.CoverImage,
		"seo_title":       p.SEOTitle,
		"seo_description": p.SEODescription,
		"published":       p.Published,
		"published_at":    timeOrNil(p.PublishedAt),
		"author_id":       stringOrNil(p.AuthorID),
		"created_at":      p.CreatedAt,
		"updated_at":      p.UpdatedAt,
	}
}

func mapSlice[T any](items []T, fn func(T) map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, fn(item))
	}
	return out
}
