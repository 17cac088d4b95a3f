// Package search finds projects, GDD documents, world locations and
// published posts. Meilisearch is primary; Postgres full-text search takes
// over whenever it is unavailable.
package search

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProject   ResultType = "project"
	ResultDocument  ResultType = "document"
	ResultWorldNode ResultType = "world_node"
	ResultPost      ResultType = "post"
)

func ParseResultType(value string) (ResultType, bool) {
	switch t := ResultType(value); t {
	case "", ResultProject, ResultDocument, ResultWorldNode, ResultPost:
		return t, true
	}
	return "", false
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ProjectID string     `json:"projectId,omitempty"`
	Slug      string     `json:"slug,omitempty"`
}

// Query describes a search request. ProjectIDs lists the projects the
// caller may read; project-bound results outside it are never returned.
type Query struct {
	Text       string
	FilterType ResultType
	ProjectIDs []string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	Healthy() bool
	IndexProjects(records []ProjectRecord) error
	IndexDocuments(records []DocumentRecord) error
	IndexNodes(records []NodeRecord) error
	IndexPosts(records []PostRecord) error
	Delete(kind ResultType, id string) error
}

type ProjectRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ProjectID   string `json:"projectId"`
}

type DocumentRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	ProjectID string `json:"projectId"`
}

type NodeRecord struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	NodeType    string `json:"nodeType"`
	Description string `json:"description"`
	Lore        string `json:"lore"`
	ProjectID   string `json:"projectId"`
}

// PostRecord is only indexed while the post is published.
type PostRecord struct {
	ID      string `json:"id"`
	Slug    string `json:"slug"`
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
	Type    string `json:"type"`
}

func (t ResultType) projectScoped() bool {
	return t != ResultPost
}

// PlainText collects the text leaves of a Tiptap document, one block per line.
func PlainText(content []byte) string {
	if !gjson.ValidBytes(content) {
		return ""
	}
	var b strings.Builder
	var walk func(node gjson.Result)
	walk = func(node gjson.Result) {
		switch node.Get("type").String() {
		case "text":
			b.WriteString(node.Get("text").String())
			return
		case "hardBreak":
			b.WriteByte('\n')
			return
		}
		node.Get("content").ForEach(func(_, child gjson.Result) bool {
			walk(child)
			return true
		})
		b.WriteByte('\n')
	}
	walk(gjson.ParseBytes(content))

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
