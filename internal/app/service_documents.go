package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"realmforge/api/internal/export"
	"realmforge/api/internal/gitrepo"
	"realmforge/api/internal/rbac"
	"realmforge/api/internal/search"
	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
)

const (
	defaultDocumentTitle = "New Design Document"
	defaultHistoryLimit  = 50
)

type CreateDocumentInput struct {
	Title      string `json:"title"`
	TemplateID string `json:"template_id"`
}

type SaveDocumentInput struct {
	Title   *string         `json:"title"`
	Content json.RawMessage `json:"content"`
}

func (s *Service) ListDocuments(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	documents, err := s.store.ListDocuments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return mapSlice(documents, documentSummaryPayload), nil
}

// CreateDocument starts a document, optionally from a GDD template, and
// opens its revision history.
func (s *Service) CreateDocument(ctx context.Context, session Session, projectID string, input CreateDocumentInput) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	content := json.RawMessage(store.EmptyDocContent)
	if templateID := strings.TrimSpace(input.TemplateID); templateID != "" {
		if !util.IsUUID(templateID) {
			return nil, notFound("Template not found")
		}
		tpl, err := s.store.GetTemplate(ctx, templateID)
		if err != nil {
			return nil, notFoundOr(err, "Template not found")
		}
		content = rawOrEmptyDoc(tpl.Content)
		if title == "" {
			title = tpl.Name
		}
	}
	if title == "" {
		title = defaultDocumentTitle
	}

	doc, err := s.store.InsertDocument(ctx, store.ProjectDocument{
		ProjectID: project.ID,
		Title:     title,
		Content:   content,
		UpdatedBy: session.UserName,
	})
	if err != nil {
		return nil, err
	}
	if err := s.git.EnsureDocumentRepo(doc.ID, gitrepo.Content{Title: doc.Title, Doc: doc.Content}, session.UserName); err != nil {
		return nil, err
	}
	s.indexDocument(doc)
	s.touch(ctx, project.ID)
	return documentPayload(doc), nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	doc, _, err := s.documentAccess(ctx, session, documentID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

// SaveDocument stores the latest editor state and records a revision when
// the content changed.
func (s *Service) SaveDocument(ctx context.Context, session Session, documentID string, input SaveDocumentInput) (map[string]any, error) {
	doc, project, err := s.documentAccess(ctx, session, documentID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, validationError("Document title is required")
		}
		doc.Title = title
	}
	if len(input.Content) > 0 && string(input.Content) != "null" {
		if !json.Valid(input.Content) {
			return nil, validationError("content must be valid JSON")
		}
		if _, err := export.ParseDocument(input.Content); err != nil {
			return nil, validationError("content must be an editor document")
		}
		doc.Content = input.Content
	}
	doc.UpdatedBy = session.UserName

	updated, err := s.store.UpdateDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	payload := documentPayload(updated)
	commit, changed, err := s.git.Commit(updated.ID, gitrepo.Content{Title: updated.Title, Doc: updated.Content}, session.UserName, "Update document")
	if err != nil {
		s.logger.Error("commit document revision", zap.String("document_id", updated.ID), zap.Error(err))
	} else if changed {
		payload["revision"] = commitPayload(commit)
	}
	s.indexDocument(updated)
	s.touch(ctx, project.ID)
	return payload, nil
}

func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	doc, project, err := s.documentAccess(ctx, session, documentID, rbac.ActionWrite)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, doc.ID); err != nil {
		return err
	}
	if err := s.git.Remove(doc.ID); err != nil {
		s.logger.Warn("remove document history", zap.String("document_id", doc.ID), zap.Error(err))
	}
	s.search.Delete(search.ResultDocument, doc.ID)
	s.touch(ctx, project.ID)
	return nil
}

func (s *Service) SetMainGDD(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	doc, project, err := s.documentAccess(ctx, session, documentID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetMainDocument(ctx, project.ID, doc.ID); err != nil {
		return nil, err
	}
	doc.IsMainGDD = true
	return documentSummaryPayload(doc), nil
}

func (s *Service) DocumentHistory(ctx context.Context, session Session, documentID string, limit int) (map[string]any, error) {
	doc, _, err := s.documentAccess(ctx, session, documentID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	commits, err := s.git.History(doc.ID, limit)
	if err != nil {
		return nil, gitError(err)
	}
	tags, err := s.git.Tags(doc.ID)
	if err != nil {
		return nil, gitError(err)
	}
	tagsByHash := map[string][]string{}
	for _, tag := range tags {
		tagsByHash[tag.Hash] = append(tagsByHash[tag.Hash], tag.Name)
	}
	items := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		item := commitPayload(c)
		item["tags"] = nonNilStrings(tagsByHash[c.Hash])
		items = append(items, item)
	}
	return map[string]any{"documentId": doc.ID, "commits": items, "tags": tags}, nil
}

func (s *Service) DocumentRevision(ctx context.Context, session Session, documentID, rev string) (map[string]any, error) {
	doc, _, err := s.documentAccess(ctx, session, documentID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	content, commit, err := s.git.Revision(doc.ID, strings.TrimSpace(rev))
	if err != nil {
		return nil, gitError(err)
	}
	return map[string]any{
		"documentId": doc.ID,
		"title":      content.Title,
		"content":    rawOrEmptyDoc(content.Doc),
		"commit":     commitPayload(commit),
	}, nil
}

// RestoreRevision makes an earlier revision current again, as a new commit.
func (s *Service) RestoreRevision(ctx context.Context, session Session, documentID, rev string) (map[string]any, error) {
	doc, project, err := s.documentAccess(ctx, session, documentID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	content, commit, err := s.git.Restore(doc.ID, strings.TrimSpace(rev), session.UserName)
	if err != nil {
		return nil, gitError(err)
	}
	if content.Title != "" {
		doc.Title = content.Title
	}
	doc.Content = rawOrEmptyDoc(content.Doc)
	doc.UpdatedBy = session.UserName
	updated, err := s.store.UpdateDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	s.indexDocument(updated)
	s.touch(ctx, project.ID)
	payload := documentPayload(updated)
	payload["revision"] = commitPayload(commit)
	return payload, nil
}

func (s *Service) TagVersion(ctx context.Context, session Session, documentID, name, rev string) (map[string]any, error) {
	doc, _, err := s.documentAccess(ctx, session, documentID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	tag, err := s.git.CreateTag(doc.ID, strings.TrimSpace(rev), strings.TrimSpace(name), session.UserName)
	if err != nil {
		return nil, gitError(err)
	}
	return map[string]any{"name": tag.Name, "hash": tag.Hash}, nil
}

func (s *Service) ExportDocument(ctx context.Context, session Session, documentID, format string) (*export.Result, error) {
	doc, project, err := s.documentAccess(ctx, session, documentID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	parsed, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if err != nil || parsed == export.FormatCSV {
		return nil, validationError("format must be markdown, html, pdf, docx or json")
	}
	result, err := s.exporter.Export(ctx, export.Document{
		Title:       doc.Title,
		ProjectName: project.Name,
		Content:     doc.Content,
		UpdatedBy:   doc.UpdatedBy,
		UpdatedAt:   doc.UpdatedAt,
	}, parsed)
	if err != nil {
		return nil, exportError(err)
	}
	return result, nil
}

func (s *Service) ListGDDTemplates(ctx context.Context, category string) ([]map[string]any, error) {
	templates, err := s.store.ListTemplates(ctx, strings.TrimSpace(category))
	if err != nil {
		return nil, err
	}
	return mapSlice(templates, templatePayload), nil
}

func (s *Service) documentAccess(ctx context.Context, session Session, documentID string, action rbac.Action) (store.ProjectDocument, store.Project, error) {
	if !util.IsUUID(documentID) {
		return store.ProjectDocument{}, store.Project{}, notFound("Document not found")
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.ProjectDocument{}, store.Project{}, notFoundOr(err, "Document not found")
	}
	project, _, err := s.projectAccess(ctx, session.UserID, doc.ProjectID, action)
	if err != nil {
		return store.ProjectDocument{}, store.Project{}, err
	}
	return doc, project, nil
}

func (s *Service) indexDocument(doc store.ProjectDocument) {
	s.search.IndexDocument(search.DocumentRecord{
		ID:        doc.ID,
		Title:     doc.Title,
		Text:      search.PlainText(doc.Content),
		ProjectID: doc.ProjectID,
	})
}

func gitError(err error) error {
	switch {
	case errors.Is(err, gitrepo.ErrNoHistory):
		return notFound("Document has no revision history")
	case errors.Is(err, gitrepo.ErrUnknownRevision):
		return notFound("Revision not found")
	case errors.Is(err, gitrepo.ErrInvalidTag):
		return validationError("Tag names may contain letters, digits, dots, dashes and underscores")
	}
	return err
}

func exportError(err error) error {
	switch {
	case errors.Is(err, export.ErrInvalidContent):
		return validationError("Document content cannot be exported")
	case errors.Is(err, export.ErrUnsupportedFormat):
		return validationError(err.Error())
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "This export format is not available on the server", nil)
	}
	return err
}
