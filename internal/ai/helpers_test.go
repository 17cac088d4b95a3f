package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realmforge/api/internal/store"
)

type stubGenerator struct {
	reply   string
	err     error
	prompts []string
}

func (s *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.reply, s.err
}

func TestExtractTasksNormalizesReply(t *testing.T) {
	gen := &stubGenerator{reply: "```json\n" + `{"tasks":[
		{"title":"Build crafting UI","description":"grid","priority":"CRITICAL","subtasks":[{"text":"mock"},{"text":""}]},
		{"title":"  ","priority":"low"}
	]}` + "\n```"}
	helper := New(gen, nil)

	tasks := helper.ExtractTasks(context.Background(), "design notes", "", []string{"Existing"})
	require.Len(t, tasks, 1)
	assert.Equal(t, "Build crafting UI", tasks[0].Title)
	assert.Equal(t, "medium", tasks[0].Priority)
	assert.Equal(t, []string{}, tasks[0].Labels)
	require.Len(t, tasks[0].Subtasks, 1)
	assert.NotEmpty(t, tasks[0].Subtasks[0].ID)
	assert.False(t, tasks[0].Subtasks[0].Completed)

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "EXISTING TASKS: Existing")
	assert.Contains(t, gen.prompts[0], "A game development project.")
}

func TestHelpersReturnEmptyOnFailure(t *testing.T) {
	ctx := context.Background()
	cases := map[string]*stubGenerator{
		"error":   {err: errors.New("quota")},
		"no json": {reply: "I cannot help with that"},
		"invalid": {reply: "[1, 2,"},
	}
	for name, gen := range cases {
		t.Run(name, func(t *testing.T) {
			helper := New(gen, nil)
			assert.Empty(t, helper.GenerateTasks(ctx, "p", "c", nil))
			assert.Empty(t, helper.SuggestSubtasks(ctx, "t", "d", "c"))
			assert.Empty(t, helper.GenerateSystems(ctx, "p", "c"))
			assert.Empty(t, helper.GenerateMilestones(ctx, "", "c"))
			io := helper.SuggestSystemIO(ctx, "n", "d", "c")
			assert.NotNil(t, io.Inputs)
			assert.Empty(t, io.Inputs)
		})
	}
}

func TestUnavailableHelper(t *testing.T) {
	helper := New(nil, nil)
	assert.False(t, helper.Available())
	assert.Empty(t, helper.SuggestWorldConnections(context.Background(), nil, ""))
}

func TestSuggestWorldConnectionsListsNodes(t *testing.T) {
	gen := &stubGenerator{reply: `Sure: [{"from_node_id":"a","to_node_id":"b","connection_type":"story","notes":"gate"}]`}
	helper := New(gen, nil)

	got := helper.SuggestWorldConnections(context.Background(), []store.WorldNode{
		{ID: "a", Label: "Keep", Lore: "Gate to the Marsh"},
		{ID: "b", Label: "Marsh"},
	}, "dark fantasy")
	require.Len(t, got, 1)
	assert.Equal(t, "story", got[0].Type)
	assert.Equal(t, "gate", got[0].Notes)
	assert.True(t, strings.Contains(gen.prompts[0], "ID: a, Name: Keep"))
}

func TestSuggestSystemIOAndMilestones(t *testing.T) {
	gen := &stubGenerator{reply: `{"inputs":["Ore"," "],"outputs":["Ingots"]}`}
	io := New(gen, nil).SuggestSystemIO(context.Background(), "Smelting", "", "")
	assert.Equal(t, SystemIO{Inputs: []string{"Ore"}, Outputs: []string{"Ingots"}}, io)

	gen = &stubGenerator{reply: `[{"title":"Vertical slice","due_date":"2026-03-01"},{"title":""}]`}
	milestones := New(gen, nil).GenerateMilestones(context.Background(), "", "ctx")
	require.Len(t, milestones, 1)
	assert.Equal(t, "2026-03-01", milestones[0].DueDate)
	assert.Contains(t, gen.prompts[0], "Generate a standard roadmap for this project.")
}
