package server

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memgrove/memgrove/internal/category"
	"github.com/memgrove/memgrove/internal/tools"
)

// New creates a fully configured MCP server with all tools registered.
func New(mgr *category.Manager) *mcp.Server {
	ct := &tools.CategoryTools{Manager: mgr}
	kt := &tools.KnowledgeTools{Manager: mgr}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "memgrove",
		Version: "0.1.0",
	}, nil)

	// Category lifecycle tools
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_categories",
		Description: "List the categories present on disk",
	}, ct.ListCategories)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "delete_category",
		Description: "Permanently delete a category and all its data (irreversible)",
	}, ct.DeleteCategory)

	// Knowledge graph tools
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "create_entities",
		Description: "Create one or more entities in a category's knowledge graph; duplicates are skipped unless override is set",
	}, kt.CreateEntities)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "add_observations",
		Description: "Add observations to existing entities, identified by id or by (name, type)",
	}, kt.AddObservations)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "create_relations",
		Description: "Create directed, typed relations between existing entities",
	}, kt.CreateRelations)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "search_nodes",
		Description: "Full-text search over entities and observations; plain words match as prefixes, FTS5 syntax passes through",
	}, kt.SearchNodes)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "open_nodes",
		Description: "Resolve entity references and return them with the relations among them",
	}, kt.OpenNodes)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "read_graph",
		Description: "Read a category's entire knowledge graph",
	}, kt.ReadGraph)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "delete_entities",
		Description: "Delete entities and cascade to their observations and relations",
	}, kt.DeleteEntities)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "delete_observations",
		Description: "Delete specific observations by id or natural key",
	}, kt.DeleteObservations)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "delete_relations",
		Description: "Delete specific relations by id or uniqueness triple",
	}, kt.DeleteRelations)

	return srv
}
