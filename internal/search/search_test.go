package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSearcher struct {
	healthy bool
	results []Result
	err     error
	calls   int
	lastQ   Query
}

func (f *fakeSearcher) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.calls++
	f.lastQ = q
	return f.results, len(f.results), f.err
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

type fakeIndexer struct {
	mu       sync.Mutex
	healthy  bool
	projects []ProjectRecord
	posts    []PostRecord
	deleted  []string
	done     chan struct{}
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{healthy: true, done: make(chan struct{}, 16)}
}

func (f *fakeIndexer) Healthy() bool { return f.healthy }

func (f *fakeIndexer) IndexProjects(r []ProjectRecord) error {
	f.mu.Lock()
	f.projects = append(f.projects, r...)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeIndexer) IndexDocuments([]DocumentRecord) error {
	f.done <- struct{}{}
	return nil
}

func (f *fakeIndexer) IndexNodes([]NodeRecord) error {
	f.done <- struct{}{}
	return nil
}

func (f *fakeIndexer) IndexPosts(r []PostRecord) error {
	f.mu.Lock()
	f.posts = append(f.posts, r...)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeIndexer) Delete(kind ResultType, id string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, string(kind)+":"+id)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeIndexer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Fatal("index call did not happen")
	}
}

func TestSearchPrefersHealthyPrimary(t *testing.T) {
	primary := &fakeSearcher{healthy: true, results: []Result{{Type: ResultProject, ID: "p1"}}}
	fallback := &fakeSearcher{healthy: true}
	svc := &Service{primary: primary, fallback: fallback, logger: zap.NewNop()}

	resp := svc.Search(context.Background(), Query{Text: "dragon", ProjectIDs: []string{"p1"}})
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "dragon", resp.Query)
	assert.Equal(t, 1, primary.calls)
	assert.Zero(t, fallback.calls)
}

func TestSearchFallsBack(t *testing.T) {
	fallback := &fakeSearcher{healthy: true, results: []Result{{Type: ResultPost, ID: "b1"}}}

	unhealthy := &Service{primary: &fakeSearcher{healthy: false}, fallback: fallback, logger: zap.NewNop()}
	resp := unhealthy.Search(context.Background(), Query{Text: "devlog"})
	assert.Len(t, resp.Results, 1)

	failing := &Service{primary: &fakeSearcher{healthy: true, err: errors.New("boom")}, fallback: fallback, logger: zap.NewNop()}
	resp = failing.Search(context.Background(), Query{Text: "devlog"})
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, 2, fallback.calls)
}

func TestSearchNeverReturnsNilResults(t *testing.T) {
	svc := &Service{fallback: &fakeSearcher{err: errors.New("db down")}, logger: zap.NewNop()}
	resp := svc.Search(context.Background(), Query{Text: "x"})
	require.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestIndexingIsAsync(t *testing.T) {
	idx := newFakeIndexer()
	svc := &Service{index: idx, logger: zap.NewNop()}

	svc.IndexProject(ProjectRecord{ID: "p1", Name: "Ashen Vale"})
	idx.wait(t)
	svc.IndexPost(PostRecord{ID: "b1", Title: "Devlog"}, true)
	idx.wait(t)
	svc.IndexPost(PostRecord{ID: "b2"}, false)
	idx.wait(t)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	require.Len(t, idx.projects, 1)
	assert.Equal(t, "p1", idx.projects[0].ProjectID)
	assert.Len(t, idx.posts, 1)
	assert.Equal(t, []string{"post:b2"}, idx.deleted)
}

func TestIndexingSkippedWhenUnhealthy(t *testing.T) {
	idx := newFakeIndexer()
	idx.healthy = false
	svc := &Service{index: idx, logger: zap.NewNop()}
	svc.IndexNode(NodeRecord{ID: "n1"})
	assert.Empty(t, idx.done)
}

func TestBuildMultiSearchScopesToProjects(t *testing.T) {
	queries := buildMultiSearch(Query{Text: "keep", ProjectIDs: []string{"a", "b"}})
	require.Len(t, queries, 4)
	assert.Equal(t, idxProjects, queries[0].IndexUID)
	assert.Equal(t, `projectId IN ["a", "b"]`, queries[0].Filter)
	assert.Nil(t, queries[3].Filter)
	assert.EqualValues(t, defaultLimit, queries[0].Limit)

	queries = buildMultiSearch(Query{Text: "keep"})
	require.Len(t, queries, 1)
	assert.Equal(t, idxPosts, queries[0].IndexUID)

	queries = buildMultiSearch(Query{Text: "keep", FilterType: ResultWorldNode, ProjectIDs: []string{"a"}, Limit: 5})
	require.Len(t, queries, 1)
	assert.Equal(t, idxNodes, queries[0].IndexUID)
	assert.EqualValues(t, 5, queries[0].Limit)
}

func TestPlainText(t *testing.T) {
	doc := []byte(`{"type":"doc","content":[
		{"type":"heading","content":[{"type":"text","text":"Combat"}]},
		{"type":"paragraph","content":[{"type":"text","text":"Parry "},{"type":"text","text":"and riposte","marks":[{"type":"bold"}]}]},
		{"type":"bulletList","content":[{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"Stamina"}]}]}]}
	]}`)
	assert.Equal(t, "Combat\nParry and riposte\nStamina", PlainText(doc))
	assert.Empty(t, PlainText([]byte("not json")))
}

func TestParseResultType(t *testing.T) {
	kind, ok := ParseResultType("world_node")
	assert.True(t, ok)
	assert.Equal(t, ResultWorldNode, kind)

	_, ok = ParseResultType("thread")
	assert.False(t, ok)
}
