package storage

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRaw(t *testing.T, dbPath string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func storedVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	var v int
	require.NoError(t, db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v))
	return v
}

func TestMigrateFreshDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "graph.db")
	st, err := Open(dbPath)
	require.NoError(t, err)
	st.Close()

	db := openRaw(t, dbPath)
	assert.Equal(t, schemaVersion, storedVersion(t, db))

	for _, table := range []string{"entities", "observations", "relations"} {
		ok, err := columnExists(db, table, "properties")
		require.NoError(t, err)
		assert.True(t, ok, "%s.properties should exist", table)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "graph.db")

	for i := 0; i < 3; i++ {
		st, err := Open(dbPath)
		require.NoError(t, err, "open %d", i)
		st.Close()
	}

	db := openRaw(t, dbPath)
	assert.Equal(t, schemaVersion, storedVersion(t, db))
}

func TestMigrateUpgradesV1Database(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "graph.db")

	// Lay down a v1 database with existing rows, the way an old release
	// would have left it.
	db := openRaw(t, dbPath)
	_, err := db.Exec(baseSchema)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO schema_version (version) VALUES (1)`)
	require.NoError(t, err)
	_, err = db.Exec(
		`INSERT INTO entities (id, name, entity_type, created_at, updated_at) VALUES ('e1', 'Legacy', 'system', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')`,
	)
	require.NoError(t, err)
	_, err = db.Exec(
		`INSERT INTO observations (id, entity_id, observation_type, content, ts, source) VALUES ('o1', 'e1', '', 'written before fts existed', '2024-01-01T00:00:00Z', '')`,
	)
	require.NoError(t, err)
	db.Close()

	st, err := Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	// Pre-existing rows were rebuilt into the shadow index during migration.
	graph, err := st.SearchNodes("legacy", 0)
	require.NoError(t, err)
	require.Len(t, graph.Entities, 1)
	assert.Equal(t, "Legacy", graph.Entities[0].Name)

	graph, err = st.SearchNodes("fts", 0)
	require.NoError(t, err)
	require.Len(t, graph.Entities, 1)
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "graph.db")

	st, err := Open(dbPath)
	require.NoError(t, err)
	st.Close()

	db := openRaw(t, dbPath)
	_, err = db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion+1)
	require.NoError(t, err)
	db.Close()

	_, err = Open(dbPath)
	require.ErrorIs(t, err, ErrSchemaTooNew)
}
