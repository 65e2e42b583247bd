package models

// EntityRef identifies an entity by either its surrogate id or its
// (name, entity type) composite key. When ID is set it takes precedence
// and the name/type fields are ignored. EntityType defaults to the empty
// string, which is a real key component, not a null.
type EntityRef struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
}

// IsZero reports whether the reference carries neither an id nor a name.
func (r EntityRef) IsZero() bool {
	return r.ID == "" && r.Name == ""
}

// Entity represents a node in the knowledge graph. (Name, EntityType) is
// unique within a category.
type Entity struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	EntityType   string         `json:"entity_type"`
	Properties   map[string]any `json:"properties,omitempty"`
	Observations []Observation  `json:"observations,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

// Observation represents a timestamped fact owned by exactly one entity.
// (EntityID, ObservationType, Source) is the natural key; creating an
// observation with an existing key either skips or replaces in place
// depending on the override flag.
type Observation struct {
	ID              string         `json:"id"`
	EntityID        string         `json:"entity_id"`
	ObservationType string         `json:"observation_type,omitempty"`
	Content         string         `json:"content"`
	Timestamp       string         `json:"timestamp"`
	Source          string         `json:"source,omitempty"`
	Properties      map[string]any `json:"properties,omitempty"`
}

// Relation represents a directed, typed edge between two entities.
// (FromEntityID, ToEntityID, RelationType) is unique. The endpoint
// name/type fields are denormalized at read time, never stored.
type Relation struct {
	ID           string         `json:"id"`
	FromEntityID string         `json:"from_entity_id"`
	ToEntityID   string         `json:"to_entity_id"`
	RelationType string         `json:"relation_type"`
	Properties   map[string]any `json:"properties,omitempty"`
	CreatedAt    string         `json:"created_at"`

	FromName string `json:"from_name,omitempty"`
	FromType string `json:"from_type,omitempty"`
	ToName   string `json:"to_name,omitempty"`
	ToType   string `json:"to_type,omitempty"`
}

// KnowledgeGraph is a full or partial view of one category's graph.
type KnowledgeGraph struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}
