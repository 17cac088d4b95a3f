package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"realmforge/api/internal/ai"
	"realmforge/api/internal/board"
	"realmforge/api/internal/rbac"
	"realmforge/api/internal/realtime"
	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
)

type TaskInput struct {
	ColumnID    string          `json:"column_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    string          `json:"priority"`
	DueDate     *string         `json:"due_date"`
	Labels      []string        `json:"labels"`
	Subtasks    []store.Subtask `json:"subtasks"`
	AssigneeID  *string         `json:"assignee_id"`
}

// TaskPatch updates only the fields present. An empty due_date or
// assignee_id clears it.
type TaskPatch struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Priority    *string          `json:"priority"`
	DueDate     *string          `json:"due_date"`
	Labels      *[]string        `json:"labels"`
	Subtasks    *[]store.Subtask `json:"subtasks"`
	AssigneeID  *string          `json:"assignee_id"`
}

type ColumnInput struct {
	Name  *string `json:"name"`
	Color *string `json:"color"`
}

type AITaskInput struct {
	Text    string `json:"text"`
	Prompt  string `json:"prompt"`
	Preview bool   `json:"preview"`
}

func (s *Service) FetchBoard(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if _, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	columns, err := s.store.ListColumns(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"columns": mapSlice(columns, columnPayload),
		"tasks":   mapSlice(tasks, taskPayload),
	}, nil
}

func (s *Service) AddTask(ctx context.Context, session Session, projectID string, input TaskInput) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, validationError("Task title is required")
	}
	column, err := s.projectColumn(ctx, project.ID, input.ColumnID)
	if err != nil {
		return nil, err
	}
	priority, err := taskPriority(input.Priority)
	if err != nil {
		return nil, err
	}
	dueDate, err := parseOptionalDate(input.DueDate)
	if err != nil {
		return nil, err
	}
	assignee, err := s.projectAssignee(ctx, project, input.AssigneeID)
	if err != nil {
		return nil, err
	}

	created, err := s.store.InsertTask(ctx, store.Task{
		ProjectID:   project.ID,
		ColumnID:    column.ID,
		Title:       title,
		Description: input.Description,
		Priority:    priority,
		DueDate:     dueDate,
		Labels:      compactLabels(input.Labels),
		Subtasks:    board.NormalizeSubtasks(input.Subtasks),
		AssigneeID:  assignee,
	})
	if err != nil {
		return nil, err
	}
	s.notifyAssignee(ctx, session, project, created, nil)
	s.publishBoard(project.ID, "tasks", taskPayload(created), "")
	s.touch(ctx, project.ID)
	return taskPayload(created), nil
}

func (s *Service) UpdateTask(ctx context.Context, session Session, taskID string, patch TaskPatch) (map[string]any, error) {
	task, project, err := s.taskAccess(ctx, session, taskID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	previousAssignee := task.AssigneeID

	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, validationError("Task title is required")
		}
		task.Title = title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Priority != nil {
		priority, err := taskPriority(*patch.Priority)
		if err != nil {
			return nil, err
		}
		task.Priority = priority
	}
	if patch.DueDate != nil {
		dueDate, err := parseOptionalDate(patch.DueDate)
		if err != nil {
			return nil, err
		}
		task.DueDate = dueDate
	}
	if patch.Labels != nil {
		task.Labels = compactLabels(*patch.Labels)
	}
	if patch.Subtasks != nil {
		task.Subtasks = board.NormalizeSubtasks(*patch.Subtasks)
	}
	if patch.AssigneeID != nil {
		assignee, err := s.projectAssignee(ctx, project, patch.AssigneeID)
		if err != nil {
			return nil, err
		}
		task.AssigneeID = assignee
	}

	updated, err := s.store.UpdateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	s.notifyAssignee(ctx, session, project, updated, previousAssignee)
	s.publishBoard(project.ID, "tasks", taskPayload(updated), "")
	return taskPayload(updated), nil
}

func (s *Service) DeleteTask(ctx context.Context, session Session, taskID string) error {
	task, project, err := s.taskAccess(ctx, session, taskID, rbac.ActionWrite)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, task.ID); err != nil {
		return err
	}
	tasks, err := s.store.ListTasks(ctx, project.ID)
	if err != nil {
		return err
	}
	if ids := board.TaskIDsByColumn(tasks)[task.ColumnID]; len(ids) > 0 {
		if err := s.store.ApplyTaskOrder(ctx, map[string][]string{task.ColumnID: ids}); err != nil {
			return err
		}
	}
	s.publishBoard(project.ID, "tasks", nil, task.ID)
	return nil
}

// MoveTask moves a task to index in columnID and renumbers both columns.
func (s *Service) MoveTask(ctx context.Context, session Session, taskID, columnID string, index int) (map[string]any, error) {
	task, project, err := s.taskAccess(ctx, session, taskID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	target, err := s.projectColumn(ctx, project.ID, columnID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	grouped := board.TaskIDsByColumn(tasks)

	order := map[string][]string{}
	if target.ID == task.ColumnID {
		ids, err := board.Reorder(grouped[task.ColumnID], task.ID, index)
		if err != nil {
			return nil, boardError(err)
		}
		order[target.ID] = ids
	} else {
		source, dest, err := board.Move(grouped[task.ColumnID], grouped[target.ID], task.ID, index)
		if err != nil {
			return nil, boardError(err)
		}
		order[task.ColumnID] = source
		order[target.ID] = dest
	}
	if err := s.store.ApplyTaskOrder(ctx, order); err != nil {
		return nil, err
	}
	s.publishBoard(project.ID, "tasks", map[string]any{"id": task.ID, "column_id": target.ID}, "")
	return map[string]any{"order": order}, nil
}

func (s *Service) ReorderTask(ctx context.Context, session Session, taskID string, index int) (map[string]any, error) {
	task, _, err := s.taskAccess(ctx, session, taskID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	return s.MoveTask(ctx, session, task.ID, task.ColumnID, index)
}

func (s *Service) ToggleSubtask(ctx context.Context, session Session, taskID, subtaskID string) (map[string]any, error) {
	task, project, err := s.taskAccess(ctx, session, taskID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	subtasks, ok := board.ToggleSubtask(task.Subtasks, subtaskID)
	if !ok {
		return nil, notFound("Subtask not found")
	}
	task.Subtasks = subtasks
	updated, err := s.store.UpdateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	s.publishBoard(project.ID, "tasks", taskPayload(updated), "")
	return taskPayload(updated), nil
}

func (s *Service) AddColumn(ctx context.Context, session Session, projectID string, input ColumnInput) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionManage)
	if err != nil {
		return nil, err
	}
	name := ""
	if input.Name != nil {
		name = strings.TrimSpace(*input.Name)
	}
	if name == "" {
		return nil, validationError("Column name is required")
	}
	columns, err := s.store.ListColumns(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	column := store.TaskColumn{ProjectID: project.ID, Name: name, OrderIndex: len(columns)}
	if input.Color != nil {
		column.Color = strings.TrimSpace(*input.Color)
	}
	created, err := s.store.InsertColumn(ctx, column)
	if err != nil {
		return nil, err
	}
	s.publishBoard(project.ID, "task_columns", columnPayload(created), "")
	return columnPayload(created), nil
}

func (s *Service) UpdateColumn(ctx context.Context, session Session, columnID string, input ColumnInput) (map[string]any, error) {
	column, err := s.columnAccess(ctx, session, columnID, rbac.ActionManage)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, validationError("Column name is required")
		}
		column.Name = name
	}
	if input.Color != nil {
		column.Color = strings.TrimSpace(*input.Color)
	}
	if err := s.store.UpdateColumn(ctx, column); err != nil {
		return nil, err
	}
	s.publishBoard(column.ProjectID, "task_columns", columnPayload(column), "")
	return columnPayload(column), nil
}

// DeleteColumn removes the column with its tasks and closes the gap in the
// remaining order.
func (s *Service) DeleteColumn(ctx context.Context, session Session, columnID string) error {
	column, err := s.columnAccess(ctx, session, columnID, rbac.ActionManage)
	if err != nil {
		return err
	}
	if err := s.store.DeleteColumn(ctx, column.ID); err != nil {
		return err
	}
	remaining, err := s.store.ListColumns(ctx, column.ProjectID)
	if err != nil {
		return err
	}
	if err := s.store.ApplyColumnOrder(ctx, columnIDs(remaining)); err != nil {
		return err
	}
	s.publishBoard(column.ProjectID, "task_columns", nil, column.ID)
	return nil
}

func (s *Service) ReorderColumn(ctx context.Context, session Session, columnID string, index int) (map[string]any, error) {
	column, err := s.columnAccess(ctx, session, columnID, rbac.ActionManage)
	if err != nil {
		return nil, err
	}
	columns, err := s.store.ListColumns(ctx, column.ProjectID)
	if err != nil {
		return nil, err
	}
	ids, err := board.Reorder(columnIDs(columns), column.ID, index)
	if err != nil {
		return nil, boardError(err)
	}
	if err := s.store.ApplyColumnOrder(ctx, ids); err != nil {
		return nil, err
	}
	s.publishBoard(column.ProjectID, "task_columns", map[string]any{"order": ids}, "")
	return map[string]any{"order": ids}, nil
}

// ExtractTasks asks the model for tasks in free text. Unless preview is set
// they are added to the first column.
func (s *Service) ExtractTasks(ctx context.Context, session Session, projectID string, input AITaskInput) (map[string]any, error) {
	return s.aiTasks(ctx, session, projectID, input, func(project store.Project, existing []string) []ai.ExtractedTask {
		return s.ai.ExtractTasks(ctx, input.Text, projectContext(project), existing)
	})
}

func (s *Service) GenerateTasks(ctx context.Context, session Session, projectID string, input AITaskInput) (map[string]any, error) {
	return s.aiTasks(ctx, session, projectID, input, func(project store.Project, existing []string) []ai.ExtractedTask {
		return s.ai.GenerateTasks(ctx, input.Prompt, projectContext(project), existing)
	})
}

func (s *Service) aiTasks(ctx context.Context, session Session, projectID string, input AITaskInput, run func(store.Project, []string) []ai.ExtractedTask) (map[string]any, error) {
	if err := s.requireAI(); err != nil {
		return nil, err
	}
	action := rbac.ActionWrite
	if input.Preview {
		action = rbac.ActionRead
	}
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, action)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.TaskTitles(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	drafts := run(project, existing)
	if input.Preview || len(drafts) == 0 {
		return map[string]any{"tasks": drafts, "created": []map[string]any{}}, nil
	}

	columns, err := s.store.ListColumns(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, validationError("Project has no board columns")
	}
	created := make([]map[string]any, 0, len(drafts))
	for _, draft := range drafts {
		task, err := s.store.InsertTask(ctx, store.Task{
			ProjectID:   project.ID,
			ColumnID:    columns[0].ID,
			Title:       draft.Title,
			Description: draft.Description,
			Priority:    board.NormalizePriority(draft.Priority),
			Labels:      compactLabels(draft.Labels),
			Subtasks:    board.NormalizeSubtasks(draft.Subtasks),
		})
		if err != nil {
			return nil, err
		}
		created = append(created, taskPayload(task))
	}
	s.publishBoard(project.ID, "tasks", map[string]any{"created": len(created)}, "")
	s.touch(ctx, project.ID)
	return map[string]any{"tasks": drafts, "created": created}, nil
}

func (s *Service) SuggestSubtasks(ctx context.Context, session Session, taskID string) (map[string]any, error) {
	if err := s.requireAI(); err != nil {
		return nil, err
	}
	task, project, err := s.taskAccess(ctx, session, taskID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	suggestions := s.ai.SuggestSubtasks(ctx, task.Title, task.Description, projectContext(project))
	if suggestions == nil {
		suggestions = []string{}
	}
	return map[string]any{"subtasks": suggestions}, nil
}

func (s *Service) taskAccess(ctx context.Context, session Session, taskID string, action rbac.Action) (store.Task, store.Project, error) {
	if !util.IsUUID(taskID) {
		return store.Task{}, store.Project{}, notFound("Task not found")
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, store.Project{}, notFoundOr(err, "Task not found")
	}
	project, _, err := s.projectAccess(ctx, session.UserID, task.ProjectID, action)
	if err != nil {
		return store.Task{}, store.Project{}, err
	}
	return task, project, nil
}

func (s *Service) columnAccess(ctx context.Context, session Session, columnID string, action rbac.Action) (store.TaskColumn, error) {
	if !util.IsUUID(columnID) {
		return store.TaskColumn{}, notFound("Column not found")
	}
	column, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return store.TaskColumn{}, notFoundOr(err, "Column not found")
	}
	if _, _, err := s.projectAccess(ctx, session.UserID, column.ProjectID, action); err != nil {
		return store.TaskColumn{}, err
	}
	return column, nil
}

func (s *Service) projectColumn(ctx context.Context, projectID, columnID string) (store.TaskColumn, error) {
	if !util.IsUUID(columnID) {
		return store.TaskColumn{}, validationError("column_id is required")
	}
	column, err := s.store.GetColumn(ctx, columnID)
	if err != nil || column.ProjectID != projectID {
		return store.TaskColumn{}, validationError("Column does not belong to this project")
	}
	return column, nil
}

// projectAssignee resolves an assignee id. Only members of the project's
// workspace can be assigned.
func (s *Service) projectAssignee(ctx context.Context, project store.Project, value *string) (*string, error) {
	id := optionalID(value)
	if id == nil {
		return nil, nil
	}
	if _, err := s.store.MemberRole(ctx, project.WorkspaceID, *id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, validationError("assignee must be a project member")
		}
		return nil, err
	}
	return id, nil
}

func (s *Service) notifyAssignee(ctx context.Context, session Session, project store.Project, task store.Task, previous *string) {
	if task.AssigneeID == nil || *task.AssigneeID == session.UserID {
		return
	}
	if previous != nil && *previous == *task.AssigneeID {
		return
	}
	s.Notify(ctx, *task.AssigneeID, "New task assigned",
		fmt.Sprintf("%s assigned you %q in %s", session.UserName, task.Title, project.Name),
		"task", "/projects/"+project.ID+"/tasks")
}

func (s *Service) publishBoard(projectID, table string, record any, oldID string) {
	s.publish(realtime.Event{
		Topic:  realtime.BoardTopic(projectID),
		Type:   realtime.TypeBoard,
		Table:  table,
		Record: record,
		OldID:  oldID,
	})
}

func taskPriority(value string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(value))
	if p == "" {
		return board.DefaultPriority, nil
	}
	if !board.ValidPriority(p) {
		return "", validationError("priority must be low, medium, high or urgent")
	}
	return p, nil
}

func boardError(err error) error {
	if errors.Is(err, board.ErrInvalidPosition) {
		return validationError(err.Error())
	}
	if errors.Is(err, board.ErrUnknownItem) {
		return notFound(err.Error())
	}
	return err
}

// parseOptionalDate accepts RFC 3339 or a bare date. Nil or empty clears.
func parseOptionalDate(value *string) (*time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	raw := strings.TrimSpace(*value)
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, validationError("due_date must be a date (YYYY-MM-DD) or RFC 3339 timestamp")
}

func optionalID(value *string) *string {
	if value == nil {
		return nil
	}
	id := strings.TrimSpace(*value)
	if id == "" {
		return nil
	}
	return &id
}

func compactLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := map[string]bool{}
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, label)
	}
	return out
}

func columnIDs(columns []store.TaskColumn) []string {
	ids := make([]string, 0, len(columns))
	for _, c := range columns {
		ids = append(ids, c.ID)
	}
	return ids
}

func projectContext(p store.Project) string {
	if p.Description == "" {
		return "Project: " + p.Name
	}
	return fmt.Sprintf("Project: %s\nDescription: %s", p.Name, p.Description)
}
