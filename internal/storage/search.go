package storage

import (
	"fmt"
	"strings"

	"github.com/memgrove/memgrove/internal/models"
)

// DefaultSearchLimit caps search results when the caller does not supply one.
const DefaultSearchLimit = 50

// SearchNodes runs a ranked full-text search over entity names/types and
// observation contents. Results are deduplicated to one row per entity at its
// best rank, capped at limit, and returned together with every relation that
// has at least one endpoint in the matched set. An empty or whitespace-only
// query yields an empty graph, never the full one.
func (s *Store) SearchNodes(query string, limit int) (*models.KnowledgeGraph, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	match := normalizeQuery(query)
	if match == "" {
		return &models.KnowledgeGraph{Entities: []models.Entity{}, Relations: []models.Relation{}}, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// One row per entity at its minimum (best) bm25 rank across both shadow
	// indexes. FTS5 ranks are negative, so ascending order is best-first.
	rows, err := tx.Query(
		`SELECT id FROM (
		    SELECT e.id AS id, entities_fts.rank AS r
		    FROM entities_fts JOIN entities e ON e.rowid = entities_fts.rowid
		    WHERE entities_fts MATCH ?
		  UNION ALL
		    SELECT o.entity_id AS id, observations_fts.rank AS r
		    FROM observations_fts JOIN observations o ON o.rowid = observations_fts.rowid
		    WHERE observations_fts MATCH ?
		 )
		 GROUP BY id
		 ORDER BY MIN(r)
		 LIMIT ?`,
		match, match, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search fts: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return &models.KnowledgeGraph{Entities: []models.Entity{}, Relations: []models.Relation{}}, nil
	}

	in, args := inClause(ids)
	entities, err := queryEntities(tx,
		`SELECT id, name, entity_type, properties, created_at, updated_at FROM entities WHERE id IN (`+in+`) ORDER BY name, entity_type`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	// Unlike OpenNodes, one matched endpoint is enough to pull a relation.
	relations, err := queryRelations(tx,
		`WHERE r.from_entity IN (`+in+`) OR r.to_entity IN (`+in+`)`,
		append(args, args...)...,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &models.KnowledgeGraph{Entities: entities, Relations: relations}, nil
}

// ftsOperators are the FTS5 keywords that mark a query as hand-written.
var ftsOperators = map[string]bool{"AND": true, "OR": true, "NOT": true, "NEAR": true}

// normalizeQuery prepares a caller query for FTS5. Queries that already use
// FTS5 syntax (boolean operators, quotes, parentheses, wildcards) pass
// through unmodified; everything else is rewritten as a prefix-match
// conjunction, so "user serv" behaves as "user"* AND "serv"*.
func normalizeQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}
	if strings.ContainsAny(query, `"()*`) {
		return query
	}
	terms := strings.Fields(query)
	for _, term := range terms {
		if ftsOperators[term] {
			return query
		}
	}
	for i, term := range terms {
		terms[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"*`
	}
	return strings.Join(terms, " AND ")
}
