// Package board holds the ordering rules of the kanban board. Columns and
// tasks are kept as ordered id slices; the store persists slice positions as
// order_index values.
package board

import (
	"errors"
	"strings"

	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
)

var (
	ErrInvalidPosition = errors.New("position must not be negative")
	ErrUnknownItem     = errors.New("item is not part of the ordering")
)

const DefaultPriority = "medium"

var priorities = map[string]bool{"low": true, "medium": true, "high": true, "urgent": true}

func ValidPriority(priority string) bool {
	return priorities[priority]
}

// NormalizePriority returns a valid priority, falling back to medium.
func NormalizePriority(priority string) string {
	p := strings.ToLower(strings.TrimSpace(priority))
	if ValidPriority(p) {
		return p
	}
	return DefaultPriority
}

// Reorder moves id to index inside ids. The index is clamped to the last slot.
func Reorder(ids []string, id string, index int) ([]string, error) {
	if index < 0 {
		return nil, ErrInvalidPosition
	}
	from := indexOf(ids, id)
	if from < 0 {
		return nil, ErrUnknownItem
	}
	rest := remove(ids, from)
	return insert(rest, id, index), nil
}

// Move takes id out of source and splices it into target at index, clamped
// to len(target). Both returned slices are fresh copies.
func Move(source, target []string, id string, index int) ([]string, []string, error) {
	if index < 0 {
		return nil, nil, ErrInvalidPosition
	}
	from := indexOf(source, id)
	if from < 0 {
		return nil, nil, ErrUnknownItem
	}
	return remove(source, from), insert(without(target, id), id, index), nil
}

// NormalizeSubtasks assigns ids to subtasks that lack one and drops empty entries.
func NormalizeSubtasks(subtasks []store.Subtask) []store.Subtask {
	out := make([]store.Subtask, 0, len(subtasks))
	for _, st := range subtasks {
		text := strings.TrimSpace(st.Text)
		if text == "" {
			continue
		}
		if strings.TrimSpace(st.ID) == "" {
			st.ID = util.NewID()
		}
		st.Text = text
		out = append(out, st)
	}
	return out
}

// ToggleSubtask flips the completed flag of the subtask with the given id.
func ToggleSubtask(subtasks []store.Subtask, subtaskID string) ([]store.Subtask, bool) {
	out := make([]store.Subtask, len(subtasks))
	copy(out, subtasks)
	for i := range out {
		if out[i].ID == subtaskID {
			out[i].Completed = !out[i].Completed
			return out, true
		}
	}
	return out, false
}

// TaskIDsByColumn groups task ids per column, preserving slice order.
func TaskIDsByColumn(tasks []store.Task) map[string][]string {
	grouped := map[string][]string{}
	for _, task := range tasks {
		grouped[task.ColumnID] = append(grouped[task.ColumnID], task.ID)
	}
	return grouped
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func remove(ids []string, at int) []string {
	out := make([]string, 0, len(ids)-1)
	out = append(out, ids[:at]...)
	return append(out, ids[at+1:]...)
}

func without(ids []string, id string) []string {
	if at := indexOf(ids, id); at >= 0 {
		return remove(ids, at)
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func insert(ids []string, id string, index int) []string {
	if index > len(ids) {
		index = len(ids)
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:index]...)
	out = append(out, id)
	return append(out, ids[index:]...)
}
