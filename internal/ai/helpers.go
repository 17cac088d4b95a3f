// Package ai turns free-form model completions into typed suggestions for
// tasks, world connections, systems and milestones. Every helper returns an
// empty result when the model fails or answers with something unparsable.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"realmforge/api/internal/board"
	"realmforge/api/internal/store"
	"realmforge/api/internal/world"
)

var (
	objectPattern = regexp.MustCompile(`(?s)\{.*\}`)
	arrayPattern  = regexp.MustCompile(`(?s)\[.*\]`)
)

type Helper struct {
	gen    Generator
	logger *zap.Logger
}

func New(gen Generator, logger *zap.Logger) *Helper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Helper{gen: gen, logger: logger}
}

// Available reports whether a model backs the helper.
func (h *Helper) Available() bool {
	return h != nil && h.gen != nil
}

type ExtractedTask struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    string          `json:"priority"`
	Labels      []string        `json:"labels"`
	Subtasks    []store.Subtask `json:"subtasks"`
}

type SystemDraft struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Inputs      []string `json:"inputs"`
	Outputs     []string `json:"outputs"`
}

type SystemIO struct {
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

type MilestoneDraft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	Status      string `json:"status"`
}

const taskSchema = `{
  "tasks": [
    {
      "title": "string",
      "description": "string",
      "priority": "low" | "medium" | "high" | "urgent",
      "labels": ["string"],
      "subtasks": [
        { "text": "string", "completed": false }
      ]
    }
  ]
}`

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func existingList(existing []string) string {
	if len(existing) == 0 {
		return "None"
	}
	return strings.Join(existing, ", ")
}

func (h *Helper) ExtractTasks(ctx context.Context, text, projectContext string, existing []string) []ExtractedTask {
	prompt := fmt.Sprintf(`You are an expert game development project manager.
Analyze the following text from a project document and extract clear, actionable tasks.

COLUMNS AVAILABLE: "Todo", "In Progress", "Done" (default extracted tasks to "Todo").

RULES:
- Return ONLY valid JSON matching the schema: %s
- Avoid duplicating these EXISTING TASKS: %s
- Keep titles concise but descriptive.
- EVERY task MUST include a "subtasks" array (checklist) of at least 3-5 specific steps.
- Write descriptions that explain the 'why' and 'what'.
- Use 'urgent' and 'high' sparingly.
- If context is provided, use it to better categorize labels.

PROJECT CONTEXT: %s

TEXT TO ANALYZE:
%s`, taskSchema, existingList(existing), orDefault(projectContext, "A game development project."), text)
	return h.tasks(ctx, "extract_tasks", prompt)
}

func (h *Helper) GenerateTasks(ctx context.Context, request, projectContext string, existing []string) []ExtractedTask {
	prompt := fmt.Sprintf(`Based on the following request and project documents, create a set of tasks to achieve the goal.

USER REQUEST: %q

PROJECT DOCUMENTS/CONTEXT:
%s

EXISTING TASKS (DO NOT DUPLICATE THESE):
%s

RULES:
- Return ONLY valid JSON matching the schema: %s
- EVERY task MUST include a "subtasks" array (checklist) of at least 3-5 specific implementation steps.
- Ensure tasks are realistic for game development.
- If a similar task exists, focus on the NEXT steps or specific implementation details.`, request, projectContext, existingList(existing), taskSchema)
	return h.tasks(ctx, "generate_tasks", prompt)
}

func (h *Helper) tasks(ctx context.Context, op, prompt string) []ExtractedTask {
	var parsed struct {
		Tasks []ExtractedTask `json:"tasks"`
	}
	if !h.complete(ctx, op, prompt, objectPattern, &parsed) {
		return []ExtractedTask{}
	}
	out := make([]ExtractedTask, 0, len(parsed.Tasks))
	for _, task := range parsed.Tasks {
		task.Title = strings.TrimSpace(task.Title)
		if task.Title == "" {
			continue
		}
		task.Priority = board.NormalizePriority(task.Priority)
		if task.Labels == nil {
			task.Labels = []string{}
		}
		task.Subtasks = board.NormalizeSubtasks(task.Subtasks)
		out = append(out, task)
	}
	return out
}

func (h *Helper) SuggestSubtasks(ctx context.Context, title, description, projectContext string) []string {
	prompt := fmt.Sprintf(`You are an expert game developer. Suggest a checklist of 5-8 actionable subtasks for the following task:

TASK TITLE: %s
TASK DESCRIPTION: %s

PROJECT CONTEXT: %s

Return ONLY a valid JSON array of strings.
Example format: ["Investigate X", "Integrate Y", "Test Z"]`, title, description, projectContext)
	var items []string
	if !h.complete(ctx, "suggest_subtasks", prompt, arrayPattern, &items) {
		return []string{}
	}
	return compact(items)
}

func (h *Helper) SuggestWorldConnections(ctx context.Context, nodes []store.WorldNode, projectContext string) []world.Suggestion {
	var locations strings.Builder
	for _, n := range nodes {
		fmt.Fprintf(&locations, "ID: %s, Name: %s, Description: %s, Lore: %s\n", n.ID, n.Label, n.Description, n.Lore)
	}
	prompt := fmt.Sprintf(`You are an expert world builder and level designer.
Analyze these world locations and their lore to suggest logical connections.

LOCATIONS:
%s
PROJECT CONTEXT:
%s

RULES:
- Return ONLY a JSON array of objects: [{"from_node_id": "uuid", "to_node_id": "uuid", "connection_type": "path" | "story" | "teleport", "notes": "string"}]
- Only suggest the 3-5 most logical connections based on descriptions and lore.
- If a connection is clear in the lore (e.g. "Gate to X"), use connection_type: "story" or "path".`, locations.String(), projectContext)
	var items []world.Suggestion
	if !h.complete(ctx, "suggest_connections", prompt, arrayPattern, &items) {
		return []world.Suggestion{}
	}
	return items
}

func (h *Helper) GenerateSystems(ctx context.Context, request, projectContext string) []SystemDraft {
	prompt := fmt.Sprintf(`You are a veteran game systems designer.
Generate a set of interconnected game systems based on this request.

REQUEST: %q

PROJECT CONTEXT:
%s

RULES:
- Return ONLY a JSON array: [{"name": "string", "description": "string", "inputs": ["string"], "outputs": ["string"]}]
- Create 2-4 systems.
- Ensure inputs and outputs overlap where logical (e.g., Output of System A is Input to System B).`, request, projectContext)
	var items []SystemDraft
	if !h.complete(ctx, "generate_systems", prompt, arrayPattern, &items) {
		return []SystemDraft{}
	}
	out := make([]SystemDraft, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Name) == "" {
			continue
		}
		item.Inputs = compact(item.Inputs)
		item.Outputs = compact(item.Outputs)
		out = append(out, item)
	}
	return out
}

func (h *Helper) SuggestSystemIO(ctx context.Context, name, description, projectContext string) SystemIO {
	prompt := fmt.Sprintf(`You are an expert game systems designer.
Suggest inputs and outputs for the following game system.

SYSTEM NAME: %s
DESCRIPTION: %s

CONTEXT: %s

Return ONLY a JSON object: {"inputs": ["string"], "outputs": ["string"]}
- Provide 3-5 of the most important inputs and outputs.`, name, description, projectContext)
	var io SystemIO
	if !h.complete(ctx, "suggest_system_io", prompt, objectPattern, &io) {
		return SystemIO{Inputs: []string{}, Outputs: []string{}}
	}
	return SystemIO{Inputs: compact(io.Inputs), Outputs: compact(io.Outputs)}
}

func (h *Helper) GenerateMilestones(ctx context.Context, request, projectContext string) []MilestoneDraft {
	prompt := fmt.Sprintf(`You are an experienced game producer.
Plan the key milestones for this project.

REQUEST: %q

PROJECT CONTEXT:
%s

RULES:
- Return ONLY a JSON array: [{"title": "string", "description": "string", "due_date": "YYYY-MM-DD", "status": "pending"}]
- Create 3-6 milestones in chronological order.
- due_date may be omitted when no sensible date can be inferred.`, orDefault(request, "Generate a standard roadmap for this project."), projectContext)
	var items []MilestoneDraft
	if !h.complete(ctx, "generate_milestones", prompt, arrayPattern, &items) {
		return []MilestoneDraft{}
	}
	out := make([]MilestoneDraft, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Title) == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

// complete runs the prompt and decodes the first block matching pattern
// into target. It reports false on any failure.
func (h *Helper) complete(ctx context.Context, op, prompt string, pattern *regexp.Regexp, target any) bool {
	if !h.Available() {
		h.logger.Warn("ai helper unavailable", zap.String("op", op))
		return false
	}
	text, err := h.gen.Generate(ctx, prompt)
	if err != nil {
		h.logger.Warn("ai generation failed", zap.String("op", op), zap.Error(err))
		return false
	}
	raw, ok := extractJSON(text, pattern)
	if !ok {
		h.logger.Warn("ai response had no usable json", zap.String("op", op))
		return false
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		h.logger.Warn("ai response did not match shape", zap.String("op", op), zap.Error(err))
		return false
	}
	return true
}

func extractJSON(text string, pattern *regexp.Regexp) (string, bool) {
	match := pattern.FindString(text)
	if match == "" || !gjson.Valid(match) {
		return "", false
	}
	return match, true
}

func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}
