package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const defaultLimit = 20

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the API is down too.
func (p *PgFTS) Healthy() bool {
	return true
}

const headlineOpts = `'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'`

// pgSources holds one UNION ALL arm per result type. $1 is the query text
// and $2, bound only when a project-scoped arm is present, the readable
// project ids.
var pgSources = []struct {
	kind ResultType
	sql  string
}{
	{ResultProject, `
		SELECT 'project'::text AS type, p.id::text AS id, p.name AS title,
			ts_headline('english', p.description, plainto_tsquery('english', $1), ` + headlineOpts + `) AS snippet,
			p.id::text AS project_id, ''::text AS slug,
			ts_rank(to_tsvector('english', p.name || ' ' || p.description), plainto_tsquery('english', $1)) AS rank
		FROM projects p
		WHERE to_tsvector('english', p.name || ' ' || p.description) @@ plainto_tsquery('english', $1)
			AND p.id::text = ANY($2)`},
	{ResultDocument, `
		SELECT 'document'::text, d.id::text, d.title,
			ts_headline('english', d.content::text, plainto_tsquery('english', $1), ` + headlineOpts + `),
			d.project_id::text, ''::text,
			ts_rank(to_tsvector('english', d.title || ' ' || d.content::text), plainto_tsquery('english', $1))
		FROM project_documents d
		WHERE to_tsvector('english', d.title || ' ' || d.content::text) @@ plainto_tsquery('english', $1)
			AND d.project_id::text = ANY($2)`},
	{ResultWorldNode, `
		SELECT 'world_node'::text, n.id::text, n.label,
			ts_headline('english', n.description || ' ' || n.lore, plainto_tsquery('english', $1), ` + headlineOpts + `),
			n.project_id::text, ''::text,
			ts_rank(to_tsvector('english', n.label || ' ' || n.description || ' ' || n.lore), plainto_tsquery('english', $1))
		FROM world_nodes n
		WHERE to_tsvector('english', n.label || ' ' || n.description || ' ' || n.lore) @@ plainto_tsquery('english', $1)
			AND n.project_id::text = ANY($2)`},
	{ResultPost, `
		SELECT 'post'::text, c.id::text, c.title,
			ts_headline('english', c.excerpt, plainto_tsquery('english', $1), ` + headlineOpts + `),
			''::text, c.slug,
			ts_rank(to_tsvector('english', c.title || ' ' || c.excerpt), plainto_tsquery('english', $1))
		FROM content_posts c
		WHERE to_tsvector('english', c.title || ' ' || c.excerpt) @@ plainto_tsquery('english', $1)
			AND c.published`},
}

// Search runs the UNION ALL across every allowed source ranked by ts_rank.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := max(q.Offset, 0)

	var arms []string
	scoped := false
	for _, src := range pgSources {
		if q.FilterType != "" && q.FilterType != src.kind {
			continue
		}
		if src.kind.projectScoped() {
			if len(q.ProjectIDs) == 0 {
				continue
			}
			scoped = true
		}
		arms = append(arms, src.sql)
	}
	if len(arms) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(arms, " UNION ALL ")
	args := []any{q.Text}
	if scoped {
		args = append(args, q.ProjectIDs)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+union+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, title, snippet, project_id, slug
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.Slug); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// Records is everything a full reindex pushes to Meilisearch.
type Records struct {
	Projects  []ProjectRecord
	Documents []DocumentRecord
	Nodes     []NodeRecord
	Posts     []PostRecord
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) (Records, error) {
	var out Records

	err := p.each(ctx, `SELECT id::text, name, description FROM projects`, func(rows *sql.Rows) error {
		var r ProjectRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Description); err != nil {
			return err
		}
		r.ProjectID = r.ID
		out.Projects = append(out.Projects, r)
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("load projects: %w", err)
	}

	err = p.each(ctx, `SELECT id::text, project_id::text, title, content FROM project_documents`, func(rows *sql.Rows) error {
		var r DocumentRecord
		var content []byte
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Title, &content); err != nil {
			return err
		}
		r.Text = PlainText(content)
		out.Documents = append(out.Documents, r)
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("load documents: %w", err)
	}

	err = p.each(ctx, `SELECT id::text, project_id::text, label, node_type, description, lore FROM world_nodes`, func(rows *sql.Rows) error {
		var r NodeRecord
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Label, &r.NodeType, &r.Description, &r.Lore); err != nil {
			return err
		}
		out.Nodes = append(out.Nodes, r)
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("load world nodes: %w", err)
	}

	err = p.each(ctx, `SELECT id::text, slug, title, excerpt, type FROM content_posts WHERE published`, func(rows *sql.Rows) error {
		var r PostRecord
		if err := rows.Scan(&r.ID, &r.Slug, &r.Title, &r.Excerpt, &r.Type); err != nil {
			return err
		}
		out.Posts = append(out.Posts, r)
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("load posts: %w", err)
	}
	return out, nil
}

func (p *PgFTS) each(ctx context.Context, query string, scan func(*sql.Rows) error) error {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
