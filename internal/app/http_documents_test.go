package app

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetMainGDDMovesTheFlag(t *testing.T) {
	env := newTestEnv(t)
	ws := env.store.seedUser(t, "user-owner", "owner@example.com", "Owner", false)
	env.store.seedUser(t, "user-viewer", "viewer@example.com", "Viewer", false)
	env.store.addMember(ws, "user-viewer", "viewer")
	token := env.tokenFor(t, "user-owner")
	projectID := env.createProject(t, token, "Skyfall")

	var ids []string
	for _, title := range []string{"Core Loop", "Narrative Bible"} {
		rr := env.do(t, http.MethodPost, "/api/projects/"+projectID+"/documents", token, map[string]any{"title": title})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		ids = append(ids, decodeJSON(t, rr)["id"].(string))
	}

	rr := env.do(t, http.MethodPost, "/api/documents/"+ids[0]+"/main", env.tokenFor(t, "user-viewer"), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/documents/"+ids[0]+"/main", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, decodeJSON(t, rr)["is_main_gdd"])

	rr = env.do(t, http.MethodPost, "/api/documents/"+ids[1]+"/main", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	first, err := env.store.GetDocument(t.Context(), ids[0])
	require.NoError(t, err)
	second, err := env.store.GetDocument(t.Context(), ids[1])
	require.NoError(t, err)
	assert.False(t, first.IsMainGDD, "only one main document per project")
	assert.True(t, second.IsMainGDD)

	rr = env.do(t, http.MethodPost, "/api/documents/00000000-0000-0000-0000-000000000000/main", token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTagVersion(t *testing.T) {
	env := newTestEnv(t)
	env.store.seedUser(t, "user-owner", "owner@example.com", "Owner", false)
	token := env.tokenFor(t, "user-owner")
	projectID := env.createProject(t, token, "Skyfall")

	rr := env.do(t, http.MethodPost, "/api/projects/"+projectID+"/documents", token, map[string]any{"title": "Core Loop"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	docID := decodeJSON(t, rr)["id"].(string)
	tagsPath := "/api/documents/" + docID + "/tags"

	commits, err := env.git.History(docID, 1)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	head := commits[0].Hash

	rr = env.do(t, http.MethodPost, tagsPath, token, map[string]any{"name": "v1.0"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	tag := decodeJSON(t, rr)
	assert.Equal(t, "v1.0", tag["name"])
	assert.Equal(t, head, tag["hash"], "an empty revision tags the head")

	rr = env.do(t, http.MethodPost, tagsPath, token, map[string]any{"name": "first draft"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodPost, tagsPath, token, map[string]any{"name": "v2.0", "revision": "deadbeef"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/documents/"+docID+"/history", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	history := decodeJSON(t, rr)
	items := history["commits"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, []any{"v1.0"}, items[0].(map[string]any)["tags"])
	assert.Len(t, history["tags"], 1)
}
