package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memgrove/memgrove/internal/category"
	"github.com/memgrove/memgrove/internal/models"
	"github.com/memgrove/memgrove/internal/storage"
)

// KnowledgeTools holds references needed by knowledge graph tool handlers.
// Every tool addresses a category explicitly; the manager resolves it to a
// storage adapter per call.
type KnowledgeTools struct {
	Manager *category.Manager
}

// --- Input types ---

type EntityRefInput struct {
	ID         string `json:"id,omitempty" jsonschema:"Entity surrogate id (takes precedence over name)"`
	Name       string `json:"name,omitempty" jsonschema:"Entity name (used with entity_type when id is absent)"`
	EntityType string `json:"entity_type,omitempty" jsonschema:"Entity type, defaults to empty string"`
}

func (r EntityRefInput) ref() models.EntityRef {
	return models.EntityRef{ID: r.ID, Name: r.Name, EntityType: r.EntityType}
}

type ObservationInput struct {
	Content         string         `json:"content" jsonschema:"Observation text"`
	ObservationType string         `json:"observation_type,omitempty" jsonschema:"Observation type label, defaults to empty"`
	Source          string         `json:"source,omitempty" jsonschema:"Source label, defaults to empty"`
	Timestamp       string         `json:"timestamp,omitempty" jsonschema:"ISO-8601 timestamp, defaults to now"`
	Properties      map[string]any `json:"properties,omitempty" jsonschema:"Free-form property bag"`
}

func (o ObservationInput) input() storage.ObservationInput {
	return storage.ObservationInput{
		ObservationType: o.ObservationType,
		Content:         o.Content,
		Timestamp:       o.Timestamp,
		Source:          o.Source,
		Properties:      o.Properties,
	}
}

type EntityInput struct {
	Name         string             `json:"name" jsonschema:"Entity name"`
	EntityType   string             `json:"entity_type,omitempty" jsonschema:"Entity type (e.g., person, technology, concept)"`
	Properties   map[string]any     `json:"properties,omitempty" jsonschema:"Free-form property bag"`
	Observations []ObservationInput `json:"observations,omitempty" jsonschema:"Initial observations about the entity"`
}

type CreateEntitiesInput struct {
	Category string        `json:"category" jsonschema:"Category holding the graph"`
	Entities []EntityInput `json:"entities" jsonschema:"Array of entities to create"`
	Override bool          `json:"override,omitempty" jsonschema:"Replace existing entities with the same (name, type) instead of skipping them"`
}

type AddObservationsInput struct {
	Category     string           `json:"category" jsonschema:"Category holding the graph"`
	Observations []ObservationAdd `json:"observations" jsonschema:"Array of per-entity observation batches"`
	Override     bool             `json:"override,omitempty" jsonschema:"Replace observations with the same (type, source) instead of skipping them"`
}

type ObservationAdd struct {
	Entity   EntityRefInput     `json:"entity" jsonschema:"Owning entity reference"`
	Contents []ObservationInput `json:"contents" jsonschema:"Observation items to add"`
}

type RelationInput struct {
	From         EntityRefInput `json:"from" jsonschema:"Source entity reference"`
	To           EntityRefInput `json:"to" jsonschema:"Target entity reference"`
	RelationType string         `json:"relation_type" jsonschema:"Relation type in active voice (e.g., uses, depends_on, manages)"`
	Properties   map[string]any `json:"properties,omitempty" jsonschema:"Free-form property bag"`
}

type CreateRelationsInput struct {
	Category  string          `json:"category" jsonschema:"Category holding the graph"`
	Relations []RelationInput `json:"relations" jsonschema:"Array of relations to create"`
	Override  bool            `json:"override,omitempty" jsonschema:"Replace the property bag of existing relations instead of skipping them"`
}

type SearchNodesInput struct {
	Category string `json:"category" jsonschema:"Category holding the graph"`
	Query    string `json:"query" jsonschema:"Search query; plain words become prefix matches, FTS5 syntax (AND, OR, NOT, NEAR, quotes, *) passes through"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum entities returned, defaults to 50"`
}

type OpenNodesInput struct {
	Category string           `json:"category" jsonschema:"Category holding the graph"`
	Refs     []EntityRefInput `json:"refs" jsonschema:"Entity references to resolve; unresolved ones are dropped"`
}

type ReadGraphInput struct {
	Category string `json:"category" jsonschema:"Category holding the graph"`
}

type DeleteEntitiesInput struct {
	Category string           `json:"category" jsonschema:"Category holding the graph"`
	Refs     []EntityRefInput `json:"refs" jsonschema:"Entities to delete; observations and relations cascade"`
}

type DeleteObservationItem struct {
	ID              string         `json:"id,omitempty" jsonschema:"Observation id (takes precedence)"`
	Entity          EntityRefInput `json:"entity,omitempty" jsonschema:"Owning entity reference"`
	ObservationType string         `json:"observation_type,omitempty" jsonschema:"Observation type of the natural key"`
	Source          string         `json:"source,omitempty" jsonschema:"Source of the natural key"`
}

type DeleteObservationsInput struct {
	Category  string                  `json:"category" jsonschema:"Category holding the graph"`
	Deletions []DeleteObservationItem `json:"deletions" jsonschema:"Observations to delete"`
}

type DeleteRelationItem struct {
	ID           string         `json:"id,omitempty" jsonschema:"Relation id (takes precedence)"`
	From         EntityRefInput `json:"from,omitempty" jsonschema:"Source entity reference"`
	To           EntityRefInput `json:"to,omitempty" jsonschema:"Target entity reference"`
	RelationType string         `json:"relation_type,omitempty" jsonschema:"Relation type of the uniqueness triple"`
}

type DeleteRelationsInput struct {
	Category  string               `json:"category" jsonschema:"Category holding the graph"`
	Relations []DeleteRelationItem `json:"relations" jsonschema:"Relations to delete"`
}

// --- Handlers ---

func (t *KnowledgeTools) store(name string) (*storage.Store, *mcp.CallToolResult) {
	st, err := t.Manager.GetStore(name)
	if err != nil {
		return nil, toolError("Failed to open category %q: %v", name, err)
	}
	return st, nil
}

func (t *KnowledgeTools) CreateEntities(_ context.Context, _ *mcp.CallToolRequest, input CreateEntitiesInput) (*mcp.CallToolResult, any, error) {
	st, errResult := t.store(input.Category)
	if errResult != nil {
		return errResult, nil, nil
	}

	entities := make([]storage.EntityInput, len(input.Entities))
	for i, e := range input.Entities {
		entities[i] = storage.EntityInput{
			Name:       e.Name,
			EntityType: e.EntityType,
			Properties: e.Properties,
		}
		for _, o := range e.Observations {
			entities[i].Observations = append(entities[i].Observations, o.input())
		}
	}

	created, err := st.CreateEntities(entities, input.Override)
	if err != nil {
		return toolError("Failed to create entities: %v", err), nil, nil
	}
	return toolJSON(created)
}

func (t *KnowledgeTools) AddObservations(_ context.Context, _ *mcp.CallToolRequest, input AddObservationsInput) (*mcp.CallToolResult, any, error) {
	st, errResult := t.store(input.Category)
	if errResult != nil {
		return errResult, nil, nil
	}

	adds := make([]storage.ObservationAdd, len(input.Observations))
	for i, a := range input.Observations {
		adds[i].Entity = a.Entity.ref()
		for _, o := range a.Contents {
			adds[i].Contents = append(adds[i].Contents, o.input())
		}
	}

	results, err := st.AddObservations(adds, input.Override)
	if err != nil {
		return toolError("Failed to add observations: %v", err), nil, nil
	}
	return toolJSON(results)
}

func (t *KnowledgeTools) CreateRelations(_ context.Context, _ *mcp.CallToolRequest, input CreateRelationsInput) (*mcp.CallToolResult, any, error) {
	st, errResult := t.store(input.Category)
	if errResult != nil {
		return errResult, nil, nil
	}

	relations := make([]storage.RelationInput, len(input.Relations))
	for i, r := range input.Relations {
		relations[i] = storage.RelationInput{
			From:         r.From.ref(),
			To:           r.To.ref(),
			RelationType: r.RelationType,
			Properties:   r.Properties,
		}
	}

	created, err := st.CreateRelations(relations, input.Override)
	if err != nil {
		return toolError("Failed to create relations: %v", err), nil, nil
	}
	return toolJSON(created)
}

func (t *KnowledgeTools) SearchNodes(_ context.Context, _ *mcp.CallToolRequest, input SearchNodesInput) (*mcp.CallToolResult, any, error) {
	st, errResult := t.store(input.Category)
	if errResult != nil {
		return errResult, nil, nil
	}

	graph, err := st.SearchNodes(input.Query, input.Limit)
	if err != nil {
		return toolError("Search failed: %v", err), nil, nil
	}
	return toolJSON(graph)
}

func (t *KnowledgeTools) OpenNodes(_ context.Context, _ *mcp.CallToolRequest, input OpenNodesInput) (*mcp.CallToolResult, any, error) {
	st, errResult := t.store(input.Category)
	if errResult != nil {
		return errResult, nil, nil
	}

	refs := make([]models.EntityRef, len(input.Refs))
	for i, r := range input.Refs {
		refs[i] = r.ref()
	}

	graph, err := st.OpenNodes(refs)
	if err != nil {
		return toolError("Failed to open nodes: %v", err), nil, nil
	}
	return toolJSON(graph)
}

func (t *KnowledgeTools) ReadGraph(_ context.Context, _ *mcp.CallToolRequest, input ReadGraphInput) (*mcp.CallToolResult, any, error) {
	st, errResult := t.store(input.Category)
	if errResult != nil {
		return errResult, nil, nil
	}

	graph, err := st.LoadGraph()
	if err != nil {
		return toolError("Failed to read graph: %v", err), nil, nil
	}
	return toolJSON(graph)
}

func (t *KnowledgeTools) DeleteEntities(_ context.Context, _ *mcp.CallToolRequest, input DeleteEntitiesInput) (*mcp.CallToolResult, any, error) {
	st, errResult := t.store(input.Category)
	if errResult != nil {
		return errResult, nil, nil
	}

	refs := make([]models.EntityRef, len(input.Refs))
	for i, r := range input.Refs {
		refs[i] = r.ref()
	}

	count, err := st.DeleteEntities(refs)
	if err != nil {
		return toolError("Failed to delete entities: %v", err), nil, nil
	}
	return toolText(fmt.Sprintf("Deleted %d entities.", count)), nil, nil
}

func (t *KnowledgeTools) DeleteObservations(_ context.Context, _ *mcp.CallToolRequest, input DeleteObservationsInput) (*mcp.CallToolResult, any, error) {
	st, errResult := t.store(input.Category)
	if errResult != nil {
		return errResult, nil, nil
	}

	items := make([]storage.ObservationDelete, len(input.Deletions))
	for i, d := range input.Deletions {
		items[i] = storage.ObservationDelete{
			ID:              d.ID,
			Entity:          d.Entity.ref(),
			ObservationType: d.ObservationType,
			Source:          d.Source,
		}
	}

	count, err := st.DeleteObservations(items)
	if err != nil {
		return toolError("Failed to delete observations: %v", err), nil, nil
	}
	return toolText(fmt.Sprintf("Deleted %d observations.", count)), nil, nil
}

func (t *KnowledgeTools) DeleteRelations(_ context.Context, _ *mcp.CallToolRequest, input DeleteRelationsInput) (*mcp.CallToolResult, any, error) {
	st, errResult := t.store(input.Category)
	if errResult != nil {
		return errResult, nil, nil
	}

	items := make([]storage.RelationDelete, len(input.Relations))
	for i, r := range input.Relations {
		items[i] = storage.RelationDelete{
			ID:           r.ID,
			From:         r.From.ref(),
			To:           r.To.ref(),
			RelationType: r.RelationType,
		}
	}

	count, err := st.DeleteRelations(items)
	if err != nil {
		return toolError("Failed to delete relations: %v", err), nil, nil
	}
	return toolText(fmt.Sprintf("Deleted %d relations.", count)), nil, nil
}
