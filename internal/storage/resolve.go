package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/memgrove/memgrove/internal/models"
)

// ErrNotFound marks a create-path resolution failure: a relation endpoint or
// an observation owner that does not exist. Delete paths treat the same
// condition as a no-op instead.
var ErrNotFound = errors.New("storage: entity not found")

// ErrMalformedRef marks a reference carrying neither an id nor a name.
var ErrMalformedRef = errors.New("storage: reference needs an id or a name")

// queryer abstracts *sql.DB and *sql.Tx so resolution and row loading run
// inside whatever transaction scope the caller already holds.
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// resolvedEntity is the canonical identity of a resolved reference.
type resolvedEntity struct {
	id         string
	name       string
	entityType string
}

// resolveEntity maps a reference to its canonical entity, or nil when no
// entity matches. The surrogate id takes precedence over the composite key.
// Every identifier-consuming path goes through here so id and (name, type)
// lookups can never drift apart.
func resolveEntity(q queryer, ref models.EntityRef) (*resolvedEntity, error) {
	if ref.IsZero() {
		return nil, ErrMalformedRef
	}

	var row *sql.Row
	if ref.ID != "" {
		row = q.QueryRow(`SELECT id, name, entity_type FROM entities WHERE id = ?`, ref.ID)
	} else {
		row = q.QueryRow(`SELECT id, name, entity_type FROM entities WHERE name = ? AND entity_type = ?`, ref.Name, ref.EntityType)
	}

	var ent resolvedEntity
	err := row.Scan(&ent.id, &ent.name, &ent.entityType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve entity %s: %w", refString(ref), err)
	}
	return &ent, nil
}

func refString(ref models.EntityRef) string {
	if ref.ID != "" {
		return fmt.Sprintf("id=%s", ref.ID)
	}
	return fmt.Sprintf("name=%q type=%q", ref.Name, ref.EntityType)
}
