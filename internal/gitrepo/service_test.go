package gitrepo

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docWithText(text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"type": "doc",
		"content": []any{
			map[string]any{"type": "paragraph", "content": []any{map[string]any{"type": "text", "text": text}}},
		},
	})
	return raw
}

func TestDocumentRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := Content{Title: "Ashen Vale GDD", Doc: docWithText("Pitch")}
	require.NoError(t, svc.EnsureDocumentRepo("doc-1", initial, "Avery Quinn"))
	_, err := os.Stat(filepath.Join(tempDir, "doc-1", contentFile))
	require.NoError(t, err)

	// second call keeps the existing history
	require.NoError(t, svc.EnsureDocumentRepo("doc-1", Content{Title: "Other"}, "Avery Quinn"))

	updated := Content{Title: "Ashen Vale GDD", Doc: docWithText("Pitch v2")}
	commit, changed, err := svc.Commit("doc-1", updated, "Avery Quinn", "Update pitch")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, commit.Hash, 7)
	assert.Equal(t, "Avery Quinn", commit.Author)

	history, err := svc.History("doc-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, commit.Hash, history[0].Hash)
	assert.Equal(t, "Create document", history[1].Message)

	limited, err := svc.History("doc-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	old, info, err := svc.Revision("doc-1", history[1].Hash)
	require.NoError(t, err)
	assert.Equal(t, history[1].Hash, info.Hash)
	assert.JSONEq(t, string(docWithText("Pitch")), string(old.Doc))

	head, _, err := svc.latest("doc-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(updated.Doc), string(head.Doc))
}

func TestCommitSkipsUnchangedContent(t *testing.T) {
	svc := New(t.TempDir())
	content := Content{Title: "Doc", Doc: json.RawMessage(`{"type":"doc","content":[]}`)}
	require.NoError(t, svc.EnsureDocumentRepo("doc-1", content, "Avery"))

	reformatted := Content{Title: "Doc", Doc: json.RawMessage("{\n  \"content\": [],\n  \"type\": \"doc\"\n}")}
	_, changed, err := svc.Commit("doc-1", reformatted, "Avery", "Save")
	require.NoError(t, err)
	assert.False(t, changed)

	history, err := svc.History("doc-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCommitCreatesMissingRepo(t *testing.T) {
	svc := New(t.TempDir())
	info, changed, err := svc.Commit("legacy", Content{Title: "Legacy", Doc: docWithText("x")}, "Avery", "Save")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEmpty(t, info.Hash)
}

func TestRestoreRevision(t *testing.T) {
	svc := New(t.TempDir())
	require.NoError(t, svc.EnsureDocumentRepo("doc-1", Content{Title: "Doc", Doc: docWithText("one")}, "Avery"))
	first, err := svc.History("doc-1", 1)
	require.NoError(t, err)

	_, _, err = svc.Commit("doc-1", Content{Title: "Doc", Doc: docWithText("two")}, "Avery", "Edit")
	require.NoError(t, err)

	restored, info, err := svc.Restore("doc-1", first[0].Hash, "Blair")
	require.NoError(t, err)
	assert.JSONEq(t, string(docWithText("one")), string(restored.Doc))
	assert.Equal(t, "Restore revision "+first[0].Hash, info.Message)
	assert.Equal(t, "Blair", info.Author)

	history, err := svc.History("doc-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestTags(t *testing.T) {
	svc := New(t.TempDir())
	require.NoError(t, svc.EnsureDocumentRepo("doc-1", Content{Title: "Doc", Doc: docWithText("alpha")}, "Avery"))

	tag, err := svc.CreateTag("doc-1", "", "v1.0", "Avery")
	require.NoError(t, err)
	assert.Equal(t, "v1.0", tag.Name)

	_, err = svc.CreateTag("doc-1", "", "v1.0", "Avery")
	require.NoError(t, err)

	_, err = svc.CreateTag("doc-1", "", "bad name", "Avery")
	assert.ErrorIs(t, err, ErrInvalidTag)

	tags, err := svc.Tags("doc-1")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, tag.Hash, tags[0].Hash)

	content, _, err := svc.Revision("doc-1", "v1.0")
	require.NoError(t, err)
	assert.Equal(t, "Doc", content.Title)
}

func TestMissingHistoryAndRevision(t *testing.T) {
	svc := New(t.TempDir())
	_, err := svc.History("nope", 5)
	assert.True(t, errors.Is(err, ErrNoHistory))

	require.NoError(t, svc.EnsureDocumentRepo("doc-1", Content{Title: "Doc"}, "Avery"))
	_, _, err = svc.Revision("doc-1", "deadbee")
	assert.ErrorIs(t, err, ErrUnknownRevision)

	require.NoError(t, svc.Remove("doc-1"))
	_, _, err = svc.latest("doc-1")
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestConcurrentCommits(t *testing.T) {
	svc := New(t.TempDir())
	require.NoError(t, svc.EnsureDocumentRepo("doc-1", Content{Title: "Doc"}, "Avery"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := svc.Commit("doc-1", Content{Title: "Doc", Doc: docWithText(string(rune('a' + i)))}, "Avery", "Edit")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := svc.History("doc-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 6)
}

func TestContentChanges(t *testing.T) {
	assert.False(t, hasChanges(Content{Title: "A"}, Content{Title: "A"}))
	assert.True(t, hasChanges(Content{Title: "A"}, Content{Title: "B"}))
	assert.True(t, hasChanges(Content{Title: "A", Doc: docWithText("x")}, Content{Title: "A", Doc: docWithText("y")}))
}
