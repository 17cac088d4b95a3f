package app

import (
	"context"
	"fmt"
	"strings"

	"realmforge/api/internal/rbac"
	"realmforge/api/internal/realtime"
	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
)

const defaultMilestoneStatus = "pending"

var milestoneStatuses = map[string]bool{"pending": true, "in_progress": true, "completed": true, "blocked": true}

type MilestoneInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	DueDate     *string `json:"due_date"`
	Status      *string `json:"status"`
	Progress    *int    `json:"progress"`
}

func (s *Service) ListMilestones(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	milestones, err := s.store.ListMilestones(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return mapSlice(milestones, milestonePayload), nil
}

func (s *Service) AddMilestone(ctx context.Context, session Session, projectID string, input MilestoneInput) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	if input.Title == nil || strings.TrimSpace(*input.Title) == "" {
		return nil, validationError("Milestone title is required")
	}
	milestone := store.Milestone{ProjectID: project.ID, Status: defaultMilestoneStatus}
	if err := applyMilestoneInput(&milestone, input); err != nil {
		return nil, err
	}
	created, err := s.store.InsertMilestone(ctx, milestone)
	if err != nil {
		return nil, err
	}
	s.publishMilestone(realtime.TypeInsert, created, "")
	s.touch(ctx, project.ID)
	return milestonePayload(created), nil
}

func (s *Service) UpdateMilestone(ctx context.Context, session Session, milestoneID string, input MilestoneInput) (map[string]any, error) {
	milestone, project, err := s.milestoneAccess(ctx, session, milestoneID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	previousStatus := milestone.Status
	if err := applyMilestoneInput(&milestone, input); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateMilestone(ctx, milestone)
	if err != nil {
		return nil, err
	}
	s.publishMilestone(realtime.TypeUpdate, updated, "")
	if updated.Status != previousStatus && updated.Status == "completed" && project.OwnerID != session.UserID {
		s.Notify(ctx, project.OwnerID, "Milestone completed",
			fmt.Sprintf("%q in %s was marked completed", updated.Title, project.Name),
			"milestone", "/projects/"+project.ID+"/milestones")
	}
	return milestonePayload(updated), nil
}

func (s *Service) DeleteMilestone(ctx context.Context, session Session, milestoneID string) error {
	milestone, _, err := s.milestoneAccess(ctx, session, milestoneID, rbac.ActionWrite)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMilestone(ctx, milestone.ID); err != nil {
		return err
	}
	s.publishMilestone(realtime.TypeDelete, store.Milestone{ProjectID: milestone.ProjectID}, milestone.ID)
	return nil
}

// GenerateMilestones drafts a roadmap from the project's tasks, documents
// and systems and stores every milestone the model returns.
func (s *Service) GenerateMilestones(ctx context.Context, session Session, projectID, prompt string) ([]map[string]any, error) {
	if err := s.requireAI(); err != nil {
		return nil, err
	}
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.TaskTitles(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	documents, err := s.store.DocumentTitles(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	systems, err := s.store.SystemNames(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	info := fmt.Sprintf("%s\nTasks: %s\nDocuments: %s\nSystems: %s",
		projectContext(project), strings.Join(tasks, ", "), strings.Join(documents, ", "), strings.Join(systems, ", "))

	drafts := s.ai.GenerateMilestones(ctx, strings.TrimSpace(prompt), info)
	created := make([]map[string]any, 0, len(drafts))
	for _, draft := range drafts {
		title := strings.TrimSpace(draft.Title)
		if title == "" {
			continue
		}
		milestone := store.Milestone{
			ProjectID:   project.ID,
			Title:       title,
			Description: draft.Description,
			Status:      defaultMilestoneStatus,
		}
		if milestoneStatuses[draft.Status] {
			milestone.Status = draft.Status
		}
		if due, err := parseOptionalDate(&draft.DueDate); err == nil {
			milestone.DueDate = due
		}
		inserted, err := s.store.InsertMilestone(ctx, milestone)
		if err != nil {
			return nil, err
		}
		s.publishMilestone(realtime.TypeInsert, inserted, "")
		created = append(created, milestonePayload(inserted))
	}
	return created, nil
}

func (s *Service) milestoneAccess(ctx context.Context, session Session, milestoneID string, action rbac.Action) (store.Milestone, store.Project, error) {
	if !util.IsUUID(milestoneID) {
		return store.Milestone{}, store.Project{}, notFound("Milestone not found")
	}
	milestone, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return store.Milestone{}, store.Project{}, notFoundOr(err, "Milestone not found")
	}
	project, _, err := s.projectAccess(ctx, session.UserID, milestone.ProjectID, action)
	if err != nil {
		return store.Milestone{}, store.Project{}, err
	}
	return milestone, project, nil
}

func (s *Service) publishMilestone(kind string, m store.Milestone, oldID string) {
	event := realtime.Event{
		Topic: realtime.MilestonesTopic(m.ProjectID),
		Type:  kind,
		Table: "milestones",
		OldID: oldID,
	}
	if kind != realtime.TypeDelete {
		event.Record = milestonePayload(m)
	}
	s.publish(event)
}

func applyMilestoneInput(m *store.Milestone, input MilestoneInput) error {
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return validationError("Milestone title is required")
		}
		m.Title = title
	}
	if input.Description != nil {
		m.Description = *input.Description
	}
	if input.DueDate != nil {
		due, err := parseOptionalDate(input.DueDate)
		if err != nil {
			return err
		}
		m.DueDate = due
	}
	if input.Status != nil {
		if !milestoneStatuses[*input.Status] {
			return validationError("status must be pending, in_progress, completed or blocked")
		}
		m.Status = *input.Status
	}
	if input.Progress != nil {
		m.Progress = ClampProgress(*input.Progress)
	}
	return nil
}

func ClampProgress(p int) int {
	return min(max(p, 0), 100)
}
