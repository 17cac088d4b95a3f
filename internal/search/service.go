package search

import (
	"context"

	"go.uber.org/zap"
)

// recordLoader supplies the full data set for a reindex.
type recordLoader interface {
	LoadAllRecords(ctx context.Context) (Records, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// Postgres full-text search.
type Service struct {
	primary  Searcher
	index    Indexer
	fallback Searcher
	loader   recordLoader
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	s := &Service{fallback: pgfts, loader: pgfts, logger: logger.Named("search")}
	if meili != nil {
		s.primary = meili
		s.index = meili
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) indexAvailable() bool {
	return s.index != nil && s.index.Healthy()
}

// async runs fn off the request path; failures are only logged.
func (s *Service) async(op, id string, fn func() error) {
	if !s.indexAvailable() {
		return
	}
	go func() {
		if err := fn(); err != nil {
			s.logger.Warn("index update failed", zap.String("op", op), zap.String("id", id), zap.Error(err))
		}
	}()
}

func (s *Service) IndexProject(r ProjectRecord) {
	r.ProjectID = r.ID
	s.async("project", r.ID, func() error { return s.index.IndexProjects([]ProjectRecord{r}) })
}

func (s *Service) IndexDocument(r DocumentRecord) {
	s.async("document", r.ID, func() error { return s.index.IndexDocuments([]DocumentRecord{r}) })
}

func (s *Service) IndexNode(r NodeRecord) {
	s.async("world_node", r.ID, func() error { return s.index.IndexNodes([]NodeRecord{r}) })
}

// IndexPost indexes published posts and removes unpublished ones.
func (s *Service) IndexPost(r PostRecord, published bool) {
	if !published {
		s.Delete(ResultPost, r.ID)
		return
	}
	s.async("post", r.ID, func() error { return s.index.IndexPosts([]PostRecord{r}) })
}

func (s *Service) Delete(kind ResultType, id string) {
	s.async("delete_"+string(kind), id, func() error { return s.index.Delete(kind, id) })
}

// ReindexAll reads every searchable entity from Postgres and pushes it to
// Meilisearch. It is a no-op while Meilisearch is unavailable.
func (s *Service) ReindexAll(ctx context.Context) error {
	if !s.indexAvailable() || s.loader == nil {
		return nil
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		return err
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"projects", func() error { return s.index.IndexProjects(records.Projects) }},
		{"documents", func() error { return s.index.IndexDocuments(records.Documents) }},
		{"world_nodes", func() error { return s.index.IndexNodes(records.Nodes) }},
		{"posts", func() error { return s.index.IndexPosts(records.Posts) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			s.logger.Warn("reindex failed", zap.String("kind", step.name), zap.Error(err))
		}
	}
	s.logger.Info("search reindex queued",
		zap.Int("projects", len(records.Projects)),
		zap.Int("documents", len(records.Documents)),
		zap.Int("world_nodes", len(records.Nodes)),
		zap.Int("posts", len(records.Posts)),
	)
	return nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
