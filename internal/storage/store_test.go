package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memgrove/memgrove/internal/models"
)

// setupStore creates a fresh category database in a temp directory.
func setupStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func mustCreate(t *testing.T, st *Store, entities ...EntityInput) []models.Entity {
	t.Helper()
	created, err := st.CreateEntities(entities, false)
	require.NoError(t, err)
	return created
}

func TestCreateEntities(t *testing.T) {
	st := setupStore(t)

	created := mustCreate(t, st,
		EntityInput{
			Name:       "Go",
			EntityType: "technology",
			Properties: map[string]any{"year": float64(2009)},
			Observations: []ObservationInput{
				{Content: "Fast compiled language"},
				{Content: "Great for CLI tools", ObservationType: "opinion"},
			},
		},
		EntityInput{Name: "SQLite", EntityType: "technology"},
	)
	require.Len(t, created, 2)

	goEnt := created[0]
	assert.NotEmpty(t, goEnt.ID)
	assert.Equal(t, "Go", goEnt.Name)
	assert.Equal(t, "technology", goEnt.EntityType)
	assert.Equal(t, float64(2009), goEnt.Properties["year"])
	assert.NotEmpty(t, goEnt.CreatedAt)
	assert.NotEmpty(t, goEnt.UpdatedAt)

	require.Len(t, goEnt.Observations, 2)
	for _, obs := range goEnt.Observations {
		assert.NotEmpty(t, obs.ID)
		assert.Equal(t, goEnt.ID, obs.EntityID)
		assert.NotEmpty(t, obs.Timestamp)
	}
}

func TestCreateEntitiesIdempotent(t *testing.T) {
	st := setupStore(t)

	input := EntityInput{
		Name:         "Go",
		EntityType:   "technology",
		Observations: []ObservationInput{{Content: "Fast"}},
	}
	first := mustCreate(t, st, input)
	require.Len(t, first, 1)

	// Same (name, type) without override: skipped, nothing reported created.
	second, err := st.CreateEntities([]EntityInput{input}, false)
	require.NoError(t, err)
	assert.Empty(t, second)

	// The stored observation set is unchanged.
	graph, err := st.LoadGraph()
	require.NoError(t, err)
	require.Len(t, graph.Entities, 1)
	require.Len(t, graph.Entities[0].Observations, 1)
	assert.Equal(t, first[0].ID, graph.Entities[0].ID)
}

func TestCreateEntitiesOverrideReplacesObservations(t *testing.T) {
	st := setupStore(t)

	mustCreate(t, st, EntityInput{
		Name:       "Go",
		EntityType: "technology",
		Observations: []ObservationInput{
			{Content: "Old fact", ObservationType: "history"},
			{Content: "Stale fact", ObservationType: "status"},
		},
	})

	replaced, err := st.CreateEntities([]EntityInput{{
		Name:         "Go",
		EntityType:   "technology",
		Properties:   map[string]any{"stable": true},
		Observations: []ObservationInput{{Content: "New fact", ObservationType: "status"}},
	}}, true)
	require.NoError(t, err)
	require.Len(t, replaced, 1)

	graph, err := st.LoadGraph()
	require.NoError(t, err)
	require.Len(t, graph.Entities, 1)

	ent := graph.Entities[0]
	assert.Equal(t, true, ent.Properties["stable"])
	// Full replacement, not a merge: the "history" observation is gone.
	require.Len(t, ent.Observations, 1)
	assert.Equal(t, "New fact", ent.Observations[0].Content)
}

func TestEmptyEntityTypeIsAKeyComponent(t *testing.T) {
	st := setupStore(t)

	created := mustCreate(t, st,
		EntityInput{Name: "Widget"},
		EntityInput{Name: "Widget", EntityType: "component"},
	)
	require.Len(t, created, 2)
	assert.NotEqual(t, created[0].ID, created[1].ID)
}

func TestAddObservations(t *testing.T) {
	st := setupStore(t)
	created := mustCreate(t, st, EntityInput{Name: "Go", EntityType: "technology"})

	results, err := st.AddObservations([]ObservationAdd{{
		Entity: models.EntityRef{Name: "Go", EntityType: "technology"},
		Contents: []ObservationInput{
			{Content: "Version 1.22", ObservationType: "version"},
			{Content: "Supports generics", Timestamp: "2022-03-15T00:00:00Z"},
		},
	}}, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, created[0].ID, results[0].EntityID)
	require.Len(t, results[0].Observations, 2)
	assert.Equal(t, "2022-03-15T00:00:00Z", results[0].Observations[1].Timestamp)
	assert.NotEmpty(t, results[0].Observations[0].Timestamp)
}

func TestAddObservationsNaturalKeySkipAndOverride(t *testing.T) {
	st := setupStore(t)
	mustCreate(t, st, EntityInput{Name: "Go", EntityType: "technology"})

	add := func(content string, override bool) []ObservationResult {
		results, err := st.AddObservations([]ObservationAdd{{
			Entity:   models.EntityRef{Name: "Go", EntityType: "technology"},
			Contents: []ObservationInput{{Content: content, ObservationType: "status", Source: "ci"}},
		}}, override)
		require.NoError(t, err)
		return results
	}

	first := add("passing", false)
	require.Len(t, first[0].Observations, 1)
	originalID := first[0].Observations[0].ID

	// Same (type, source) without override: silently skipped.
	skipped := add("failing", false)
	assert.Empty(t, skipped[0].Observations)

	graph, _ := st.LoadGraph()
	require.Len(t, graph.Entities[0].Observations, 1)
	assert.Equal(t, "passing", graph.Entities[0].Observations[0].Content)

	// Override replaces in place, keeping the surrogate id.
	replaced := add("failing", true)
	require.Len(t, replaced[0].Observations, 1)
	assert.Equal(t, originalID, replaced[0].Observations[0].ID)

	graph, _ = st.LoadGraph()
	require.Len(t, graph.Entities[0].Observations, 1)
	assert.Equal(t, "failing", graph.Entities[0].Observations[0].Content)
}

func TestAddObservationsUnknownOwnerAbortsBatch(t *testing.T) {
	st := setupStore(t)
	mustCreate(t, st, EntityInput{Name: "Go", EntityType: "technology"})

	_, err := st.AddObservations([]ObservationAdd{
		{
			Entity:   models.EntityRef{Name: "Go", EntityType: "technology"},
			Contents: []ObservationInput{{Content: "should not survive"}},
		},
		{
			Entity:   models.EntityRef{Name: "Ghost", EntityType: "x"},
			Contents: []ObservationInput{{Content: "whatever"}},
		},
	}, false)
	require.ErrorIs(t, err, ErrNotFound)

	// The whole transaction rolled back: no partial observation writes.
	graph, _ := st.LoadGraph()
	require.Len(t, graph.Entities, 1)
	assert.Empty(t, graph.Entities[0].Observations)
}

func TestCreateRelations(t *testing.T) {
	st := setupStore(t)
	created := mustCreate(t, st,
		EntityInput{Name: "Go", EntityType: "technology"},
		EntityInput{Name: "Memgrove", EntityType: "project"},
	)

	rels, err := st.CreateRelations([]RelationInput{{
		From:         models.EntityRef{ID: created[0].ID},
		To:           models.EntityRef{Name: "Memgrove", EntityType: "project"},
		RelationType: "powers",
		Properties:   map[string]any{"since": "2024"},
	}}, false)
	require.NoError(t, err)
	require.Len(t, rels, 1)

	rel := rels[0]
	assert.NotEmpty(t, rel.ID)
	assert.Equal(t, created[0].ID, rel.FromEntityID)
	assert.Equal(t, created[1].ID, rel.ToEntityID)
	assert.Equal(t, "Go", rel.FromName)
	assert.Equal(t, "project", rel.ToType)
	assert.NotEmpty(t, rel.CreatedAt)
}

func TestCreateRelationsSkipAndOverride(t *testing.T) {
	st := setupStore(t)
	mustCreate(t, st,
		EntityInput{Name: "a", EntityType: "t"},
		EntityInput{Name: "b", EntityType: "t"},
	)

	input := []RelationInput{{
		From:         models.EntityRef{Name: "a", EntityType: "t"},
		To:           models.EntityRef{Name: "b", EntityType: "t"},
		RelationType: "links",
	}}
	first, err := st.CreateRelations(input, false)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Duplicate triple without override is skipped.
	second, err := st.CreateRelations(input, false)
	require.NoError(t, err)
	assert.Empty(t, second)

	// Override replaces only the property bag; id and type are stable.
	input[0].Properties = map[string]any{"weight": float64(2)}
	third, err := st.CreateRelations(input, true)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, first[0].ID, third[0].ID)

	graph, _ := st.LoadGraph()
	require.Len(t, graph.Relations, 1)
	assert.Equal(t, float64(2), graph.Relations[0].Properties["weight"])
}

func TestCreateRelationsMissingEndpoint(t *testing.T) {
	st := setupStore(t)
	mustCreate(t, st, EntityInput{Name: "A", EntityType: "t"})

	_, err := st.CreateRelations([]RelationInput{{
		From:         models.EntityRef{Name: "A", EntityType: "t"},
		To:           models.EntityRef{Name: "B", EntityType: "t"},
		RelationType: "links",
	}}, false)
	require.ErrorIs(t, err, ErrNotFound)

	// No relation row survived the failed batch.
	graph, _ := st.LoadGraph()
	assert.Empty(t, graph.Relations)
}

func TestDeleteEntitiesCascade(t *testing.T) {
	st := setupStore(t)
	mustCreate(t, st,
		EntityInput{Name: "Go", EntityType: "technology", Observations: []ObservationInput{{Content: "Fast"}}},
		EntityInput{Name: "Rust", EntityType: "technology"},
	)
	_, err := st.CreateRelations([]RelationInput{
		{From: models.EntityRef{Name: "Go", EntityType: "technology"}, To: models.EntityRef{Name: "Rust", EntityType: "technology"}, RelationType: "competes_with"},
		{From: models.EntityRef{Name: "Rust", EntityType: "technology"}, To: models.EntityRef{Name: "Go", EntityType: "technology"}, RelationType: "competes_with"},
	}, false)
	require.NoError(t, err)

	count, err := st.DeleteEntities([]models.EntityRef{{Name: "Go", EntityType: "technology"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// No dangling observations or relation endpoints remain.
	graph, err := st.LoadGraph()
	require.NoError(t, err)
	require.Len(t, graph.Entities, 1)
	assert.Equal(t, "Rust", graph.Entities[0].Name)
	assert.Empty(t, graph.Relations)
}

func TestDeleteEntitiesIdempotent(t *testing.T) {
	st := setupStore(t)

	count, err := st.DeleteEntities([]models.EntityRef{{Name: "Ghost", EntityType: "x"}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestDeleteObservations(t *testing.T) {
	st := setupStore(t)
	created := mustCreate(t, st, EntityInput{
		Name:       "Go",
		EntityType: "technology",
		Observations: []ObservationInput{
			{Content: "Fast", ObservationType: "perf"},
			{Content: "Compiled", ObservationType: "build"},
			{Content: "Typed", ObservationType: "types"},
		},
	})

	// By natural key.
	count, err := st.DeleteObservations([]ObservationDelete{{
		Entity:          models.EntityRef{ID: created[0].ID},
		ObservationType: "perf",
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// By id.
	graph, _ := st.LoadGraph()
	require.Len(t, graph.Entities[0].Observations, 2)
	count, err = st.DeleteObservations([]ObservationDelete{{ID: graph.Entities[0].Observations[0].ID}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Absent target is a no-op.
	count, err = st.DeleteObservations([]ObservationDelete{{
		Entity:          models.EntityRef{Name: "Ghost", EntityType: "x"},
		ObservationType: "perf",
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestDeleteRelations(t *testing.T) {
	st := setupStore(t)
	mustCreate(t, st,
		EntityInput{Name: "Go", EntityType: "technology"},
		EntityInput{Name: "SQLite", EntityType: "technology"},
	)
	rels, err := st.CreateRelations([]RelationInput{{
		From:         models.EntityRef{Name: "Go", EntityType: "technology"},
		To:           models.EntityRef{Name: "SQLite", EntityType: "technology"},
		RelationType: "uses",
	}}, false)
	require.NoError(t, err)

	count, err := st.DeleteRelations([]RelationDelete{{
		From:         models.EntityRef{Name: "Go", EntityType: "technology"},
		To:           models.EntityRef{Name: "SQLite", EntityType: "technology"},
		RelationType: "uses",
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// By id on a now-absent relation: no-op.
	count, err = st.DeleteRelations([]RelationDelete{{ID: rels[0].ID}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestDualIdentifierEquivalence(t *testing.T) {
	st := setupStore(t)
	created := mustCreate(t, st, EntityInput{Name: "Go", EntityType: "technology"})

	byID, err := resolveEntity(st.db, models.EntityRef{ID: created[0].ID})
	require.NoError(t, err)
	require.NotNil(t, byID)

	byKey, err := resolveEntity(st.db, models.EntityRef{Name: "Go", EntityType: "technology"})
	require.NoError(t, err)
	require.NotNil(t, byKey)

	assert.Equal(t, *byID, *byKey)
}

func TestResolveMalformedRef(t *testing.T) {
	st := setupStore(t)

	_, err := st.AddObservations([]ObservationAdd{{
		Entity:   models.EntityRef{},
		Contents: []ObservationInput{{Content: "x"}},
	}}, false)
	require.ErrorIs(t, err, ErrMalformedRef)
}

func TestOpenNodes(t *testing.T) {
	st := setupStore(t)
	created := mustCreate(t, st,
		EntityInput{Name: "a", EntityType: "t"},
		EntityInput{Name: "b", EntityType: "t"},
		EntityInput{Name: "c", EntityType: "t"},
	)
	_, err := st.CreateRelations([]RelationInput{
		{From: models.EntityRef{Name: "a", EntityType: "t"}, To: models.EntityRef{Name: "b", EntityType: "t"}, RelationType: "links"},
		{From: models.EntityRef{Name: "b", EntityType: "t"}, To: models.EntityRef{Name: "c", EntityType: "t"}, RelationType: "links"},
	}, false)
	require.NoError(t, err)

	graph, err := st.OpenNodes([]models.EntityRef{
		{ID: created[0].ID},
		{Name: "b", EntityType: "t"},
		{Name: "missing", EntityType: "t"}, // silently dropped
	})
	require.NoError(t, err)

	require.Len(t, graph.Entities, 2)
	// Only the a→b relation has both endpoints in the resolved set.
	require.Len(t, graph.Relations, 1)
	assert.Equal(t, "a", graph.Relations[0].FromName)
	assert.Equal(t, "b", graph.Relations[0].ToName)
}

func TestReadsAreCommittedSnapshots(t *testing.T) {
	st := setupStore(t)

	input := EntityInput{
		Name:         "Flicker",
		EntityType:   "service",
		Observations: []ObservationInput{{Content: "appears and disappears"}},
	}
	ref := models.EntityRef{Name: "Flicker", EntityType: "service"}

	// A writer alternates between two committed states: entity-with-one-
	// observation and entity-absent. Readers must only ever see one of them.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if _, err := st.CreateEntities([]EntityInput{input}, false); err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if _, err := st.DeleteEntities([]models.EntityRef{ref}); err != nil {
				t.Errorf("delete: %v", err)
				return
			}
		}
	}()

	checkSnapshot := func(graph *models.KnowledgeGraph, op string) {
		t.Helper()
		for _, ent := range graph.Entities {
			if ent.Name == "Flicker" {
				require.Len(t, ent.Observations, 1,
					"%s returned the entity without the observation committed with it", op)
			}
		}
	}

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}

		graph, err := st.LoadGraph()
		require.NoError(t, err)
		checkSnapshot(graph, "LoadGraph")

		graph, err = st.OpenNodes([]models.EntityRef{ref})
		require.NoError(t, err)
		checkSnapshot(graph, "OpenNodes")

		graph, err = st.SearchNodes("appears", 0)
		require.NoError(t, err)
		checkSnapshot(graph, "SearchNodes")
	}
}

func TestLoadGraphDenormalizedEndpoints(t *testing.T) {
	st := setupStore(t)
	mustCreate(t, st,
		EntityInput{Name: "UserService", EntityType: "service", Observations: []ObservationInput{{Content: "Manages user data"}}},
		EntityInput{Name: "UserDB", EntityType: "database"},
	)
	_, err := st.CreateRelations([]RelationInput{{
		From:         models.EntityRef{Name: "UserService", EntityType: "service"},
		To:           models.EntityRef{Name: "UserDB", EntityType: "database"},
		RelationType: "stores_in",
	}}, false)
	require.NoError(t, err)

	graph, err := st.LoadGraph()
	require.NoError(t, err)
	require.Len(t, graph.Entities, 2)
	require.Len(t, graph.Relations, 1)

	rel := graph.Relations[0]
	assert.Equal(t, "UserService", rel.FromName)
	assert.Equal(t, "service", rel.FromType)
	assert.Equal(t, "UserDB", rel.ToName)
	assert.Equal(t, "database", rel.ToType)
}
