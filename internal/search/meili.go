package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const (
	idxProjects  = "realmforge_projects"
	idxDocuments = "realmforge_documents"
	idxNodes     = "realmforge_world_nodes"
	idxPosts     = "realmforge_posts"

	healthInterval = 10 * time.Second
)

type indexSpec struct {
	uid        string
	kind       ResultType
	filterable []string
	searchable []string
	title      string
	snippet    string
}

var indexSpecs = []indexSpec{
	{idxProjects, ResultProject, []string{"projectId"}, []string{"name", "description"}, "name", "description"},
	{idxDocuments, ResultDocument, []string{"projectId"}, []string{"title", "text"}, "title", "text"},
	{idxNodes, ResultWorldNode, []string{"projectId", "nodeType"}, []string{"label", "description", "lore"}, "label", "description"},
	{idxPosts, ResultPost, []string{"type"}, []string{"title", "excerpt"}, "title", "excerpt"},
}

func specFor(kind ResultType) (indexSpec, bool) {
	for _, spec := range indexSpecs {
		if spec.kind == kind {
			return spec, true
		}
	}
	return indexSpec{}, false
}

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client, configures the indexes when the
// server answers and keeps probing its health in the background.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.Named("meilisearch"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	for _, idx := range indexSpecs {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			m.logger.Debug("create index (may already exist)", zap.String("index", idx.uid), zap.Error(err))
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("update filterable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
		searchable := idx.searchable
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			m.logger.Warn("update searchable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			switch {
			case err == nil && !wasHealthy:
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			case err != nil && wasHealthy:
				m.logger.Warn("meilisearch went away, using postgres search", zap.Error(err))
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries every index the filter allows and merges the hits.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	queries := buildMultiSearch(q)
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		spec, ok := specByUID(sr.IndexUID)
		if !ok {
			continue
		}
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, spec))
		}
	}
	return results, total, nil
}

func buildMultiSearch(q Query) []*meili.SearchRequest {
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = defaultLimit
	}

	var queries []*meili.SearchRequest
	for _, spec := range indexSpecs {
		if q.FilterType != "" && q.FilterType != spec.kind {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              spec.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{spec.title, spec.snippet},
			AttributesToCrop:      []string{spec.snippet},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if spec.kind.projectScoped() {
			if len(q.ProjectIDs) == 0 {
				continue
			}
			sr.Filter = projectFilter(q.ProjectIDs)
		}
		queries = append(queries, sr)
	}
	return queries
}

// projectFilter renders `projectId IN ["a", "b"]`.
func projectFilter(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return "projectId IN [" + strings.Join(quoted, ", ") + "]"
}

func specByUID(uid string) (indexSpec, bool) {
	for _, spec := range indexSpecs {
		if spec.uid == uid {
			return spec, true
		}
	}
	return indexSpec{}, false
}

func hitToResult(hit meili.Hit, spec indexSpec) Result {
	return Result{
		Type:      spec.kind,
		ID:        decodeString(hit, "id"),
		ProjectID: decodeString(hit, "projectId"),
		Slug:      decodeString(hit, "slug"),
		Title:     firstNonBlank(decodeFormattedString(hit, spec.title), decodeString(hit, spec.title)),
		Snippet:   firstNonBlank(decodeFormattedString(hit, spec.snippet), decodeString(hit, spec.snippet)),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func addAll[T any](m *Meili, uid string, records []T) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(uid).AddDocuments(records, nil)
	return err
}

func (m *Meili) IndexProjects(records []ProjectRecord) error {
	return addAll(m, idxProjects, records)
}

func (m *Meili) IndexDocuments(records []DocumentRecord) error {
	return addAll(m, idxDocuments, records)
}

func (m *Meili) IndexNodes(records []NodeRecord) error {
	return addAll(m, idxNodes, records)
}

func (m *Meili) IndexPosts(records []PostRecord) error {
	return addAll(m, idxPosts, records)
}

// Delete removes one entity from its index.
func (m *Meili) Delete(kind ResultType, id string) error {
	spec, ok := specFor(kind)
	if !ok {
		return fmt.Errorf("unknown search kind %q", kind)
	}
	_, err := m.client.Index(spec.uid).DeleteDocument(id, nil)
	return err
}
