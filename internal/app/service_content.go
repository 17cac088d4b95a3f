package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"realmforge/api/internal/rbac"
	"realmforge/api/internal/search"
	"realmforge/api/internal/seo"
	"realmforge/api/internal/storage"
	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
)

const (
	postTypeBlog        = "blog"
	postTypeSEOTemplate = "seo_template"
	maxSearchLimit      = 50
)

type PostInput struct {
	Slug           *string         `json:"slug"`
	Title          *string         `json:"title"`
	Type           *string         `json:"type"`
	Excerpt        *string         `json:"excerpt"`
	Content        json.RawMessage `json:"content"`
	CoverImage     *string         `json:"cover_image"`
	SEOTitle       *string         `json:"seo_title"`
	SEODescription *string         `json:"seo_description"`
	Published      *bool           `json:"published"`
}

type SearchInput struct {
	Query     string
	Type      string
	ProjectID string
	Limit     int
	Offset    int
}

func requireAdmin(session Session) error {
	if !session.IsAdmin {
		return forbidden()
	}
	return nil
}

func (s *Service) AdminListPosts(ctx context.Context, session Session) ([]map[string]any, error) {
	if err := requireAdmin(session); err != nil {
		return nil, err
	}
	posts, err := s.store.ListPosts(ctx)
	if err != nil {
		return nil, err
	}
	return mapSlice(posts, postPayload), nil
}

func (s *Service) AdminGetPost(ctx context.Context, session Session, postID string) (map[string]any, error) {
	if err := requireAdmin(session); err != nil {
		return nil, err
	}
	post, err := s.loadPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	return postPayload(post), nil
}

func (s *Service) CreatePost(ctx context.Context, session Session, input PostInput) (map[string]any, error) {
	if err := requireAdmin(session); err != nil {
		return nil, err
	}
	if input.Title == nil || strings.TrimSpace(*input.Title) == "" {
		return nil, validationError("Post title is required")
	}
	post := store.ContentPost{Type: postTypeBlog, AuthorID: &session.UserID}
	if err := s.applyPostInput(&post, input); err != nil {
		return nil, err
	}
	created, err := s.store.InsertPost(ctx, post)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, conflict("A post with this slug already exists")
		}
		return nil, err
	}
	s.indexPost(created)
	return postPayload(created), nil
}

func (s *Service) UpdatePost(ctx context.Context, session Session, postID string, input PostInput) (map[string]any, error) {
	if err := requireAdmin(session); err != nil {
		return nil, err
	}
	post, err := s.loadPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if err := s.applyPostInput(&post, input); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdatePost(ctx, post)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, conflict("A post with this slug already exists")
		}
		return nil, err
	}
	s.indexPost(updated)
	return postPayload(updated), nil
}

func (s *Service) DeletePost(ctx context.Context, session Session, postID string) error {
	if err := requireAdmin(session); err != nil {
		return err
	}
	post, err := s.loadPost(ctx, postID)
	if err != nil {
		return err
	}
	if err := s.store.DeletePost(ctx, post.ID); err != nil {
		return err
	}
	s.search.Delete(search.ResultPost, post.ID)
	s.removeObject(ctx, post.CoverImage)
	return nil
}

func (s *Service) UploadPostCover(ctx context.Context, session Session, postID string, body io.Reader, size int64, contentType string) (map[string]any, error) {
	if err := requireAdmin(session); err != nil {
		return nil, err
	}
	if s.objects == nil {
		return nil, storageUnavailable()
	}
	post, err := s.loadPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	ext, err := storage.ImageExtension(contentType, size)
	if err != nil {
		return nil, storageError(err)
	}
	url, err := s.objects.Put(ctx, storage.ObjectKey("posts", post.ID, ext), body, size, contentType)
	if err != nil {
		return nil, err
	}
	previous := post.CoverImage
	post.CoverImage = url
	updated, err := s.store.UpdatePost(ctx, post)
	if err != nil {
		return nil, err
	}
	if previous != url {
		s.removeObject(ctx, previous)
	}
	return postPayload(updated), nil
}

func (s *Service) ListPublishedPosts(ctx context.Context) ([]map[string]any, error) {
	posts, err := s.store.ListPublishedPosts(ctx, postTypeBlog)
	if err != nil {
		return nil, err
	}
	return mapSlice(posts, postPayload), nil
}

func (s *Service) GetPublishedPost(ctx context.Context, slug string) (map[string]any, error) {
	post, err := s.store.GetPublishedPostBySlug(ctx, strings.TrimSpace(slug))
	if err != nil {
		return nil, notFoundOr(err, "Post not found")
	}
	return postPayload(post), nil
}

func (s *Service) loadPost(ctx context.Context, postID string) (store.ContentPost, error) {
	if !util.IsUUID(postID) {
		return store.ContentPost{}, notFound("Post not found")
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return store.ContentPost{}, notFoundOr(err, "Post not found")
	}
	return post, nil
}

// applyPostInput patches post. The slug falls back to the title and
// published_at is stamped the first time the post goes live.
func (s *Service) applyPostInput(post *store.ContentPost, input PostInput) error {
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return validationError("Post title is required")
		}
		post.Title = title
	}
	if input.Type != nil {
		kind := strings.TrimSpace(*input.Type)
		if kind != postTypeBlog && kind != postTypeSEOTemplate {
			return validationError("type must be blog or seo_template")
		}
		post.Type = kind
	}
	if input.Slug != nil {
		post.Slug = util.Slugify(*input.Slug)
	}
	if post.Slug == "" {
		post.Slug = util.Slugify(post.Title)
	}
	if post.Slug == "" {
		return validationError("slug must contain letters or digits")
	}
	if input.Excerpt != nil {
		post.Excerpt = *input.Excerpt
	}
	if len(input.Content) > 0 && string(input.Content) != "null" {
		if !json.Valid(input.Content) {
			return validationError("content must be valid JSON")
		}
		post.Content = input.Content
	}
	if input.CoverImage != nil {
		post.CoverImage = strings.TrimSpace(*input.CoverImage)
	}
	if input.SEOTitle != nil {
		post.SEOTitle = *input.SEOTitle
	}
	if input.SEODescription != nil {
		post.SEODescription = *input.SEODescription
	}
	if input.Published != nil {
		post.Published = *input.Published
	}
	if post.Published && post.PublishedAt == nil {
		now := s.now().UTC()
		post.PublishedAt = &now
	}
	return nil
}

func (s *Service) indexPost(p store.ContentPost) {
	s.search.IndexPost(search.PostRecord{
		ID:      p.ID,
		Slug:    p.Slug,
		Title:   p.Title,
		Excerpt: p.Excerpt,
		Type:    p.Type,
	}, p.Published)
}

var defaultPublicSettings = store.PublicSettings{ShowOverview: true, ShowMilestones: true}

// Showcase is the unauthenticated view of a public project.
func (s *Service) Showcase(ctx context.Context, projectID string) (map[string]any, error) {
	if !util.IsUUID(projectID) {
		return nil, notFound("Project not found")
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, notFoundOr(err, "Project not found")
	}
	if !project.IsPublic {
		return nil, notFound("Project not found")
	}
	settings := defaultPublicSettings
	if project.PublicSettings != nil {
		settings = *project.PublicSettings
	}

	payload := map[string]any{
		"project": map[string]any{
			"id":          project.ID,
			"name":        project.Name,
			"description": project.Description,
			"cover_image": project.CoverImage,
			"updated_at":  project.UpdatedAt,
		},
		"settings": settings,
	}
	if settings.ShowMilestones {
		milestones, err := s.store.ListMilestones(ctx, project.ID)
		if err != nil {
			return nil, err
		}
		payload["milestones"] = mapSlice(milestones, milestonePayload)
	}
	if settings.ShowOverview {
		doc, err := s.store.GetMainDocument(ctx, project.ID)
		switch {
		case err == nil:
			payload["gdd"] = map[string]any{"title": doc.Title, "content": rawOrEmptyDoc(doc.Content)}
		case errors.Is(err, sql.ErrNoRows):
			payload["gdd"] = nil
		default:
			return nil, err
		}
	}
	if settings.ShowTeam {
		members, err := s.store.ListMembers(ctx, project.WorkspaceID)
		if err != nil {
			return nil, err
		}
		team := make([]map[string]any, 0, len(members))
		for _, m := range members {
			team = append(team, map[string]any{"full_name": m.FullName})
		}
		payload["team"] = team
	}
	return payload, nil
}

func (s *Service) ListSEOTemplates() []seo.Template {
	if s.catalog == nil {
		return []seo.Template{}
	}
	return s.catalog.List()
}

func (s *Service) GetSEOTemplate(slug string) (seo.Template, error) {
	if s.catalog != nil {
		if tpl, ok := s.catalog.Get(slug); ok {
			return tpl, nil
		}
	}
	return seo.Template{}, notFound("Template not found")
}

// WriteSitemap renders the public sitemap to w.
func (s *Service) WriteSitemap(ctx context.Context, w io.Writer) error {
	posts, err := s.store.ListPublishedPosts(ctx, postTypeBlog)
	if err != nil {
		return err
	}
	var slugs []string
	if s.catalog != nil {
		slugs = s.catalog.Slugs()
	}
	return seo.WriteSitemap(w, seo.BuildSitemap(s.cfg.PublicBaseURL, slugs, posts, s.now()))
}

// Search runs a full-text query restricted to the projects the caller can
// read. Posts are public and always eligible.
func (s *Service) Search(ctx context.Context, session Session, input SearchInput) (search.Response, error) {
	text := strings.TrimSpace(input.Query)
	if text == "" {
		return search.Response{Results: []search.Result{}}, nil
	}
	kind, ok := search.ParseResultType(strings.TrimSpace(input.Type))
	if !ok {
		return search.Response{}, validationError("type must be project, document, world_node or post")
	}
	if input.Limit < 0 || input.Offset < 0 {
		return search.Response{}, validationError("limit and offset must not be negative")
	}
	limit := input.Limit
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	projectIDs, err := s.store.ProjectIDsForUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	if projectID := strings.TrimSpace(input.ProjectID); projectID != "" {
		if _, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionRead); err != nil {
			return search.Response{}, err
		}
		projectIDs = []string{projectID}
	}

	resp := s.search.Search(ctx, search.Query{
		Text:       text,
		FilterType: kind,
		ProjectIDs: projectIDs,
		Limit:      limit,
		Offset:     input.Offset,
	})
	s.logger.Debug("search", zap.String("query", text), zap.Int("results", len(resp.Results)))
	return resp, nil
}
