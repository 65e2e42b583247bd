package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/memgrove/memgrove/internal/models"
)

// Store is the per-category graph storage adapter. It exclusively owns one
// SQLite connection; every public operation runs as a single transaction.
// After Close, further calls are a caller error.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a category database, configures it for WAL, and
// migrates the schema to the current version.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)")
	if err != nil {
		return nil, fmt.Errorf("open category db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping category db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EntityInput describes an entity to create, with its initial observations.
type EntityInput struct {
	Name         string
	EntityType   string
	Properties   map[string]any
	Observations []ObservationInput
}

// ObservationInput describes one observation content item. Timestamp is
// optional and defaults to the record-creation time.
type ObservationInput struct {
	ObservationType string
	Content         string
	Timestamp       string
	Source          string
	Properties      map[string]any
}

// RelationInput describes a relation to create between two referenced entities.
type RelationInput struct {
	From         models.EntityRef
	To           models.EntityRef
	RelationType string
	Properties   map[string]any
}

// ObservationAdd attaches a batch of observation items to one entity.
type ObservationAdd struct {
	Entity   models.EntityRef
	Contents []ObservationInput
}

// ObservationResult reports the observations actually added or replaced for
// one resolved entity.
type ObservationResult struct {
	EntityID     string               `json:"entity_id"`
	EntityName   string               `json:"entity_name"`
	EntityType   string               `json:"entity_type"`
	Observations []models.Observation `json:"observations"`
}

// ObservationDelete identifies an observation by id or by its natural key.
type ObservationDelete struct {
	ID              string
	Entity          models.EntityRef
	ObservationType string
	Source          string
}

// RelationDelete identifies a relation by id or by its uniqueness triple.
type RelationDelete struct {
	ID           string
	From         models.EntityRef
	To           models.EntityRef
	RelationType string
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func marshalProps(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("marshal properties: %w", err)
	}
	return string(b), nil
}

func unmarshalProps(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil
	}
	return props
}

// CreateEntities inserts entities with their initial observations. An entity
// whose (name, type) already exists is skipped unless override is set, in
// which case its properties are updated and its observation set is fully
// replaced. Returns only the entities actually created or replaced.
func (s *Store) CreateEntities(entities []EntityInput, override bool) ([]models.Entity, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var created []models.Entity
	for _, in := range entities {
		props, err := marshalProps(in.Properties)
		if err != nil {
			return nil, err
		}

		var existingID string
		err = tx.QueryRow(
			`SELECT id FROM entities WHERE name = ? AND entity_type = ?`,
			in.Name, in.EntityType,
		).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			// New entity.
		case err != nil:
			return nil, fmt.Errorf("lookup entity %q: %w", in.Name, err)
		case !override:
			continue // idempotent re-creation
		}

		ts := now()
		entity := models.Entity{
			Name:       in.Name,
			EntityType: in.EntityType,
			Properties: in.Properties,
			UpdatedAt:  ts,
		}

		if existingID == "" {
			entity.ID = uuid.New().String()
			entity.CreatedAt = ts
			if _, err := tx.Exec(
				`INSERT INTO entities (id, name, entity_type, properties, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
				entity.ID, in.Name, in.EntityType, props, ts, ts,
			); err != nil {
				return nil, fmt.Errorf("insert entity %q: %w", in.Name, err)
			}
		} else {
			entity.ID = existingID
			if _, err := tx.Exec(
				`UPDATE entities SET properties = ?, updated_at = ? WHERE id = ?`,
				props, ts, existingID,
			); err != nil {
				return nil, fmt.Errorf("update entity %q: %w", in.Name, err)
			}
			if err := tx.QueryRow(`SELECT created_at FROM entities WHERE id = ?`, existingID).Scan(&entity.CreatedAt); err != nil {
				return nil, fmt.Errorf("reread entity %q: %w", in.Name, err)
			}
			// Override replaces the observation set, it does not merge.
			if _, err := tx.Exec(`DELETE FROM observations WHERE entity_id = ?`, existingID); err != nil {
				return nil, fmt.Errorf("replace observations for %q: %w", in.Name, err)
			}
		}

		for _, obsIn := range in.Observations {
			obs, err := upsertObservation(tx, entity.ID, obsIn)
			if err != nil {
				return nil, fmt.Errorf("insert observation for %q: %w", in.Name, err)
			}
			entity.Observations = append(entity.Observations, obs)
		}

		created = append(created, entity)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// upsertObservation inserts an observation, replacing any row with the same
// (entity, type, source) natural key. Last write wins within a batch.
func upsertObservation(tx *sql.Tx, entityID string, in ObservationInput) (models.Observation, error) {
	props, err := marshalProps(in.Properties)
	if err != nil {
		return models.Observation{}, err
	}
	ts := in.Timestamp
	if ts == "" {
		ts = now()
	}
	obs := models.Observation{
		ID:              uuid.New().String(),
		EntityID:        entityID,
		ObservationType: in.ObservationType,
		Content:         in.Content,
		Timestamp:       ts,
		Source:          in.Source,
		Properties:      in.Properties,
	}
	if _, err := tx.Exec(
		`INSERT INTO observations (id, entity_id, observation_type, content, ts, source, properties)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id, observation_type, source)
		 DO UPDATE SET content = excluded.content, ts = excluded.ts, properties = excluded.properties`,
		obs.ID, entityID, in.ObservationType, in.Content, ts, in.Source, props,
	); err != nil {
		return models.Observation{}, err
	}
	// On conflict the original row keeps its id.
	if err := tx.QueryRow(
		`SELECT id FROM observations WHERE entity_id = ? AND observation_type = ? AND source = ?`,
		entityID, in.ObservationType, in.Source,
	).Scan(&obs.ID); err != nil {
		return models.Observation{}, err
	}
	return obs, nil
}

// AddObservations resolves each owning entity and adds the observation items
// that do not collide on the (type, source) natural key. Existing items are
// replaced when override is set, skipped otherwise. An unresolvable owning
// entity aborts the whole batch.
func (s *Store) AddObservations(adds []ObservationAdd, override bool) ([]ObservationResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var results []ObservationResult
	for _, add := range adds {
		ent, err := resolveEntity(tx, add.Entity)
		if err != nil {
			return nil, err
		}
		if ent == nil {
			return nil, fmt.Errorf("%w: entity %s", ErrNotFound, refString(add.Entity))
		}

		res := ObservationResult{EntityID: ent.id, EntityName: ent.name, EntityType: ent.entityType}
		for _, in := range add.Contents {
			var existingID string
			err := tx.QueryRow(
				`SELECT id FROM observations WHERE entity_id = ? AND observation_type = ? AND source = ?`,
				ent.id, in.ObservationType, in.Source,
			).Scan(&existingID)
			switch {
			case err == sql.ErrNoRows:
				// New observation.
			case err != nil:
				return nil, fmt.Errorf("lookup observation: %w", err)
			case !override:
				continue
			}

			obs, err := upsertObservation(tx, ent.id, in)
			if err != nil {
				return nil, fmt.Errorf("add observation for %q: %w", ent.name, err)
			}
			res.Observations = append(res.Observations, obs)
		}
		results = append(results, res)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return results, nil
}

// CreateRelations resolves both endpoints of each relation and inserts it if
// the (from, to, type) triple is absent. An existing triple is skipped unless
// override is set, in which case only its properties are replaced — endpoints
// and type are immutable once created. An unresolvable endpoint aborts the
// whole batch.
func (s *Store) CreateRelations(relations []RelationInput, override bool) ([]models.Relation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var created []models.Relation
	for _, in := range relations {
		from, err := resolveEntity(tx, in.From)
		if err != nil {
			return nil, err
		}
		if from == nil {
			return nil, fmt.Errorf("%w: from entity %s", ErrNotFound, refString(in.From))
		}
		to, err := resolveEntity(tx, in.To)
		if err != nil {
			return nil, err
		}
		if to == nil {
			return nil, fmt.Errorf("%w: to entity %s", ErrNotFound, refString(in.To))
		}

		props, err := marshalProps(in.Properties)
		if err != nil {
			return nil, err
		}

		rel := models.Relation{
			FromEntityID: from.id,
			ToEntityID:   to.id,
			RelationType: in.RelationType,
			Properties:   in.Properties,
			FromName:     from.name,
			FromType:     from.entityType,
			ToName:       to.name,
			ToType:       to.entityType,
		}

		var existingID, existingCreated string
		err = tx.QueryRow(
			`SELECT id, created_at FROM relations WHERE from_entity = ? AND to_entity = ? AND relation_type = ?`,
			from.id, to.id, in.RelationType,
		).Scan(&existingID, &existingCreated)
		switch {
		case err == sql.ErrNoRows:
			rel.ID = uuid.New().String()
			rel.CreatedAt = now()
			if _, err := tx.Exec(
				`INSERT INTO relations (id, from_entity, to_entity, relation_type, properties, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				rel.ID, from.id, to.id, in.RelationType, props, rel.CreatedAt,
			); err != nil {
				return nil, fmt.Errorf("insert relation: %w", err)
			}
		case err != nil:
			return nil, fmt.Errorf("lookup relation: %w", err)
		case !override:
			continue
		default:
			rel.ID = existingID
			rel.CreatedAt = existingCreated
			if _, err := tx.Exec(`UPDATE relations SET properties = ? WHERE id = ?`, props, existingID); err != nil {
				return nil, fmt.Errorf("update relation: %w", err)
			}
		}

		created = append(created, rel)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// DeleteEntities removes the referenced entities together with their
// observations and every relation touching them. Unresolved references are
// no-ops. Returns the number of entities removed.
func (s *Store) DeleteEntities(refs []models.EntityRef) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, ref := range refs {
		ent, err := resolveEntity(tx, ref)
		if err != nil {
			return 0, err
		}
		if ent == nil {
			continue // idempotent delete
		}

		// Explicit child deletes so the FTS triggers fire; FK cascade
		// bypasses them unless recursive triggers are enabled.
		if _, err := tx.Exec(`DELETE FROM relations WHERE from_entity = ? OR to_entity = ?`, ent.id, ent.id); err != nil {
			return 0, fmt.Errorf("delete relations of %q: %w", ent.name, err)
		}
		if _, err := tx.Exec(`DELETE FROM observations WHERE entity_id = ?`, ent.id); err != nil {
			return 0, fmt.Errorf("delete observations of %q: %w", ent.name, err)
		}
		res, err := tx.Exec(`DELETE FROM entities WHERE id = ?`, ent.id)
		if err != nil {
			return 0, fmt.Errorf("delete entity %q: %w", ent.name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// DeleteObservations removes observations identified by id or by their
// (entity, type, source) natural key. Unresolved targets are no-ops.
func (s *Store) DeleteObservations(items []ObservationDelete) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, item := range items {
		var res sql.Result
		if item.ID != "" {
			res, err = tx.Exec(`DELETE FROM observations WHERE id = ?`, item.ID)
		} else {
			ent, rerr := resolveEntity(tx, item.Entity)
			if rerr != nil {
				return 0, rerr
			}
			if ent == nil {
				continue
			}
			res, err = tx.Exec(
				`DELETE FROM observations WHERE entity_id = ? AND observation_type = ? AND source = ?`,
				ent.id, item.ObservationType, item.Source,
			)
		}
		if err != nil {
			return 0, fmt.Errorf("delete observation: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// DeleteRelations removes relations identified by id or by their uniqueness
// triple. Unresolved targets are no-ops.
func (s *Store) DeleteRelations(items []RelationDelete) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, item := range items {
		var res sql.Result
		if item.ID != "" {
			res, err = tx.Exec(`DELETE FROM relations WHERE id = ?`, item.ID)
		} else {
			from, rerr := resolveEntity(tx, item.From)
			if rerr != nil {
				return 0, rerr
			}
			to, rerr := resolveEntity(tx, item.To)
			if rerr != nil {
				return 0, rerr
			}
			if from == nil || to == nil {
				continue
			}
			res, err = tx.Exec(
				`DELETE FROM relations WHERE from_entity = ? AND to_entity = ? AND relation_type = ?`,
				from.id, to.id, item.RelationType,
			)
		}
		if err != nil {
			return 0, fmt.Errorf("delete relation: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// LoadGraph returns every entity (with observations) and every relation in
// the category, read in one transaction so the export is a committed
// snapshot. Relations carry denormalized endpoint names and types.
func (s *Store) LoadGraph() (*models.KnowledgeGraph, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	entities, err := queryEntities(tx, `SELECT id, name, entity_type, properties, created_at, updated_at FROM entities ORDER BY name, entity_type`)
	if err != nil {
		return nil, err
	}
	relations, err := queryRelations(tx, "")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &models.KnowledgeGraph{Entities: entities, Relations: relations}, nil
}

// OpenNodes resolves a list of references, silently dropping the unresolved
// ones, and returns the matched entities plus every relation with both
// endpoints in the matched set, all from one transactional snapshot.
func (s *Store) OpenNodes(refs []models.EntityRef) (*models.KnowledgeGraph, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(refs))
	seen := make(map[string]bool)
	for _, ref := range refs {
		ent, err := resolveEntity(tx, ref)
		if err != nil {
			return nil, err
		}
		if ent == nil || seen[ent.id] {
			continue
		}
		seen[ent.id] = true
		ids = append(ids, ent.id)
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
	relations, err := queryRelations(tx,
		`WHERE r.from_entity IN (`+in+`) AND r.to_entity IN (`+in+`)`,
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

// queryEntities runs an entity query and attaches each entity's observations.
func queryEntities(q queryer, query string, args ...any) ([]models.Entity, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var entities []models.Entity
	for rows.Next() {
		var e models.Entity
		var props string
		if err := rows.Scan(&e.ID, &e.Name, &e.EntityType, &props, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Properties = unmarshalProps(props)
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entities {
		obs, err := getObservations(q, entities[i].ID)
		if err != nil {
			return nil, err
		}
		entities[i].Observations = obs
	}
	return entities, nil
}

// queryRelations loads relations matching the given WHERE clause (all rows
// when empty), joining the entities table twice for the denormalized
// endpoint views.
func queryRelations(q queryer, where string, args ...any) ([]models.Relation, error) {
	query := `SELECT r.id, r.from_entity, r.to_entity, r.relation_type, r.properties, r.created_at,
	                 ef.name, ef.entity_type, et.name, et.entity_type
	          FROM relations r
	          JOIN entities ef ON ef.id = r.from_entity
	          JOIN entities et ON et.id = r.to_entity`
	if where != "" {
		query += " " + where
	}
	query += ` ORDER BY r.created_at, r.id`

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	defer rows.Close()

	var relations []models.Relation
	for rows.Next() {
		var r models.Relation
		var props string
		if err := rows.Scan(&r.ID, &r.FromEntityID, &r.ToEntityID, &r.RelationType, &props, &r.CreatedAt,
			&r.FromName, &r.FromType, &r.ToName, &r.ToType); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		r.Properties = unmarshalProps(props)
		relations = append(relations, r)
	}
	return relations, rows.Err()
}

func getObservations(q queryer, entityID string) ([]models.Observation, error) {
	rows, err := q.Query(
		`SELECT id, entity_id, observation_type, content, ts, source, properties FROM observations WHERE entity_id = ? ORDER BY ts, id`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var obs []models.Observation
	for rows.Next() {
		var o models.Observation
		var props string
		if err := rows.Scan(&o.ID, &o.EntityID, &o.ObservationType, &o.Content, &o.Timestamp, &o.Source, &props); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.Properties = unmarshalProps(props)
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

func inClause(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}
