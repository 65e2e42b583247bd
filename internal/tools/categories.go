package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memgrove/memgrove/internal/category"
)

// CategoryTools holds references needed by category lifecycle tool handlers.
type CategoryTools struct {
	Manager *category.Manager
}

// --- Input types ---

type DeleteCategoryInput struct {
	Name string `json:"name" jsonschema:"Name of the category to permanently delete"`
}

// --- Handlers ---

func (t *CategoryTools) ListCategories(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	names, err := t.Manager.ListCategories()
	if err != nil {
		return toolError("Failed to list categories: %v", err), nil, nil
	}
	if names == nil {
		names = []string{}
	}
	return toolJSON(names)
}

func (t *CategoryTools) DeleteCategory(_ context.Context, _ *mcp.CallToolRequest, input DeleteCategoryInput) (*mcp.CallToolResult, any, error) {
	if err := t.Manager.DeleteCategory(input.Name); err != nil {
		return toolError("Failed to delete category: %v", err), nil, nil
	}
	return toolText(fmt.Sprintf("Category %q permanently deleted.", input.Name)), nil, nil
}

// --- Helpers ---

func toolText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func toolJSON(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("Failed to marshal result: %v", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
