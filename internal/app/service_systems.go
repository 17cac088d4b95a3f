package app

import (
	"context"
	"strings"

	"realmforge/api/internal/export"
	"realmforge/api/internal/rbac"
	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
)

const (
	defaultSystemName        = "New System"
	defaultSystemDescription = "Describe mechanics..."
)

type SystemInput struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	Inputs      *[]string `json:"inputs"`
	Outputs     *[]string `json:"outputs"`
}

func (s *Service) ListSystems(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	systems, err := s.store.ListSystems(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return mapSlice(systems, systemPayload), nil
}

func (s *Service) AddSystem(ctx context.Context, session Session, projectID string, input SystemInput) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	system := store.System{
		ProjectID:   project.ID,
		Name:        defaultSystemName,
		Description: defaultSystemDescription,
		Inputs:      []string{},
		Outputs:     []string{},
	}
	applySystemInput(&system, input)
	created, err := s.store.InsertSystem(ctx, system)
	if err != nil {
		return nil, err
	}
	s.touch(ctx, project.ID)
	return systemPayload(created), nil
}

func (s *Service) UpdateSystem(ctx context.Context, session Session, systemID string, input SystemInput) (map[string]any, error) {
	system, _, err := s.systemAccess(ctx, session, systemID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	applySystemInput(&system, input)
	updated, err := s.store.UpdateSystem(ctx, system)
	if err != nil {
		return nil, err
	}
	return systemPayload(updated), nil
}

func (s *Service) DeleteSystem(ctx context.Context, session Session, systemID string) error {
	system, _, err := s.systemAccess(ctx, session, systemID, rbac.ActionWrite)
	if err != nil {
		return err
	}
	return s.store.DeleteSystem(ctx, system.ID)
}

// ExportSystems renders the project's systems as JSON or CSV.
func (s *Service) ExportSystems(ctx context.Context, session Session, projectID, format string) (*export.Result, error) {
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	systems, err := s.store.ListSystems(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	parsed, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if err != nil {
		parsed = ""
	}
	switch parsed {
	case export.FormatCSV:
		data, err := export.SystemsCSV(systems)
		if err != nil {
			return nil, err
		}
		return &export.Result{
			Data:     []byte(data),
			Filename: export.Filename(project.Name+" systems", "csv"),
			MimeType: "text/csv; charset=utf-8",
		}, nil
	case export.FormatJSON:
		data, err := export.ToJSON(mapSlice(systems, systemPayload))
		if err != nil {
			return nil, err
		}
		return &export.Result{
			Data:     data,
			Filename: export.Filename(project.Name+" systems", "json"),
			MimeType: "application/json",
		}, nil
	}
	return nil, validationError("format must be json or csv")
}

// GenerateSystems creates the systems the model proposes for prompt.
func (s *Service) GenerateSystems(ctx context.Context, session Session, projectID, prompt string) ([]map[string]any, error) {
	if err := s.requireAI(); err != nil {
		return nil, err
	}
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, validationError("prompt is required")
	}
	drafts := s.ai.GenerateSystems(ctx, prompt, projectContext(project))
	created := make([]map[string]any, 0, len(drafts))
	for _, draft := range drafts {
		system, err := s.store.InsertSystem(ctx, store.System{
			ProjectID:   project.ID,
			Name:        draft.Name,
			Description: draft.Description,
			Inputs:      nonNilStrings(draft.Inputs),
			Outputs:     nonNilStrings(draft.Outputs),
		})
		if err != nil {
			return nil, err
		}
		created = append(created, systemPayload(system))
	}
	if len(created) > 0 {
		s.touch(ctx, project.ID)
	}
	return created, nil
}

func (s *Service) SuggestSystemIO(ctx context.Context, session Session, systemID string) (map[string]any, error) {
	if err := s.requireAI(); err != nil {
		return nil, err
	}
	system, project, err := s.systemAccess(ctx, session, systemID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	io := s.ai.SuggestSystemIO(ctx, system.Name, system.Description, projectContext(project))
	return map[string]any{
		"inputs":  nonNilStrings(io.Inputs),
		"outputs": nonNilStrings(io.Outputs),
	}, nil
}

func (s *Service) systemAccess(ctx context.Context, session Session, systemID string, action rbac.Action) (store.System, store.Project, error) {
	if !util.IsUUID(systemID) {
		return store.System{}, store.Project{}, notFound("System not found")
	}
	system, err := s.store.GetSystem(ctx, systemID)
	if err != nil {
		return store.System{}, store.Project{}, notFoundOr(err, "System not found")
	}
	project, _, err := s.projectAccess(ctx, session.UserID, system.ProjectID, action)
	if err != nil {
		return store.System{}, store.Project{}, err
	}
	return system, project, nil
}

func applySystemInput(system *store.System, input SystemInput) {
	if input.Name != nil {
		if name := strings.TrimSpace(*input.Name); name != "" {
			system.Name = name
		}
	}
	if input.Description != nil {
		system.Description = *input.Description
	}
	if input.Inputs != nil {
		system.Inputs = compactLabels(*input.Inputs)
	}
	if input.Outputs != nil {
		system.Outputs = compactLabels(*input.Outputs)
	}
}
