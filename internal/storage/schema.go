package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// schemaVersion is the logical schema version this build expects.
// v1: entities/observations/relations tables with uniqueness and FK cascade.
// v2: properties columns on all three tables.
// v3: FTS5 shadow tables, sync triggers, and a full shadow rebuild.
const schemaVersion = 3

// ErrSchemaTooNew is returned when the on-disk schema version is newer than
// this build expects. There is no downgrade path.
var ErrSchemaTooNew = errors.New("storage: on-disk schema is newer than this build")

const baseSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS entities (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    entity_type TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    UNIQUE(name, entity_type)
);

CREATE TABLE IF NOT EXISTS observations (
    id               TEXT PRIMARY KEY,
    entity_id        TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    observation_type TEXT NOT NULL DEFAULT '',
    content          TEXT NOT NULL,
    ts               TEXT NOT NULL,
    source           TEXT NOT NULL DEFAULT '',
    UNIQUE(entity_id, observation_type, source)
);

CREATE TABLE IF NOT EXISTS relations (
    id            TEXT PRIMARY KEY,
    from_entity   TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    to_entity     TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    relation_type TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    UNIQUE(from_entity, to_entity, relation_type)
);

CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name, entity_type);
CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(entity_id);
CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(from_entity);
CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_entity);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS entities_fts USING fts5(
    name,
    entity_type,
    content='entities',
    content_rowid='rowid'
);

CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
    content,
    observation_type,
    source,
    content='observations',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS entities_ai AFTER INSERT ON entities BEGIN
    INSERT INTO entities_fts(rowid, name, entity_type) VALUES (new.rowid, new.name, new.entity_type);
END;
CREATE TRIGGER IF NOT EXISTS entities_ad AFTER DELETE ON entities BEGIN
    INSERT INTO entities_fts(entities_fts, rowid, name, entity_type) VALUES('delete', old.rowid, old.name, old.entity_type);
END;
CREATE TRIGGER IF NOT EXISTS entities_au AFTER UPDATE ON entities BEGIN
    INSERT INTO entities_fts(entities_fts, rowid, name, entity_type) VALUES('delete', old.rowid, old.name, old.entity_type);
    INSERT INTO entities_fts(rowid, name, entity_type) VALUES (new.rowid, new.name, new.entity_type);
END;

CREATE TRIGGER IF NOT EXISTS observations_ai AFTER INSERT ON observations BEGIN
    INSERT INTO observations_fts(rowid, content, observation_type, source) VALUES (new.rowid, new.content, new.observation_type, new.source);
END;
CREATE TRIGGER IF NOT EXISTS observations_ad AFTER DELETE ON observations BEGIN
    INSERT INTO observations_fts(observations_fts, rowid, content, observation_type, source) VALUES('delete', old.rowid, old.content, old.observation_type, old.source);
END;
CREATE TRIGGER IF NOT EXISTS observations_au AFTER UPDATE ON observations BEGIN
    INSERT INTO observations_fts(observations_fts, rowid, content, observation_type, source) VALUES('delete', old.rowid, old.content, old.observation_type, old.source);
    INSERT INTO observations_fts(rowid, content, observation_type, source) VALUES (new.rowid, new.content, new.observation_type, new.source);
END;
`

// migrate brings the on-disk schema up to schemaVersion. Every step is
// idempotent (check-before-alter) so a crash mid-migration leaves the next
// open able to finish the job.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var version int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: found v%d, expected at most v%d", ErrSchemaTooNew, version, schemaVersion)
	}
	if version == schemaVersion {
		return nil
	}

	if version < 1 {
		if _, err := db.Exec(baseSchema); err != nil {
			return fmt.Errorf("apply base schema: %w", err)
		}
		if err := recordVersion(db, 1); err != nil {
			return err
		}
	}

	if version < 2 {
		for _, table := range []string{"entities", "observations", "relations"} {
			ok, err := columnExists(db, table, "properties")
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN properties TEXT NOT NULL DEFAULT '{}'`, table)); err != nil {
				return fmt.Errorf("add properties column to %s: %w", table, err)
			}
		}
		if err := recordVersion(db, 2); err != nil {
			return err
		}
	}

	if version < 3 {
		if _, err := db.Exec(ftsSchema); err != nil {
			return fmt.Errorf("create fts schema: %w", err)
		}
		// Rebuild from the canonical tables so databases created before v3
		// get shadow rows for their existing data.
		if _, err := db.Exec(`INSERT INTO entities_fts(entities_fts) VALUES('rebuild')`); err != nil {
			return fmt.Errorf("rebuild entities fts: %w", err)
		}
		if _, err := db.Exec(`INSERT INTO observations_fts(observations_fts) VALUES('rebuild')`); err != nil {
			return fmt.Errorf("rebuild observations fts: %w", err)
		}
		if err := recordVersion(db, 3); err != nil {
			return err
		}
	}

	return nil
}

func recordVersion(db *sql.DB, v int) error {
	if _, err := db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, v); err != nil {
		return fmt.Errorf("record schema version %d: %w", v, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
