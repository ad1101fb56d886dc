package mcp

import (
	"context"
	"fmt"
	"strings"

	"tabbridge/internal/query"
)

type SearchTabsTool struct {
	launcher Launcher
}

func (t *SearchTabsTool) Name() string { return "search-tabs" }
func (t *SearchTabsTool) Description() string {
	return `Search open tabs, windows and history by title or URL.

Matching is a case-insensitive substring test; an empty query lists everything.
Lazy producers are started on the first search.

Returns: {items: [{id, sourceId, type, title, url, browser, app, active, timestamp}], count}.
Pass sourceId and id to activate-tab or close-tab.`
}
func (t *SearchTabsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Text to look for in titles and URLs",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of results (0 = unlimited)",
			},
			"kinds": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string", "enum": []string{"tab", "history", "window"}},
				"description": "Restrict results to these item kinds",
			},
		},
	}
}
func (t *SearchTabsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	kinds, err := getKindsArg(args, "kinds")
	if err != nil {
		return nil, err
	}
	limit := getIntArg(args, "limit", 0)
	if limit < 0 {
		return nil, fmt.Errorf("limit must not be negative")
	}
	items := t.launcher.Search(getStringArg(args, "query"), query.Options{Limit: limit, Kinds: kinds})
	return map[string]interface{}{"items": items, "count": len(items)}, nil
}

type RecentTabsTool struct {
	launcher Launcher
	limit    int
}

func (t *RecentTabsTool) Name() string { return "recent-tabs" }
func (t *RecentTabsTool) Description() string {
	return `List recently activated tabs and windows, most recent first.

Only items that are still open are returned.`
}
func (t *RecentTabsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of results",
			},
		},
	}
}
func (t *RecentTabsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	items := t.launcher.Recent(getIntArg(args, "limit", t.limit))
	return map[string]interface{}{"items": items, "count": len(items)}, nil
}

type ActivateTabTool struct {
	launcher Launcher
}

func (t *ActivateTabTool) Name() string { return "activate-tab" }
func (t *ActivateTabTool) Description() string {
	return `Bring a tab or window to the front.

Identify the item by source_id and id from search-tabs.
Returns: {outcome, item?, error?}. outcome is one of activated, not_found,
producer_timeout, producer_error.`
}
func (t *ActivateTabTool) InputSchema() map[string]interface{} {
	return itemSchema()
}
func (t *ActivateTabTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	source, handle, err := itemArgs(args)
	if err != nil {
		return nil, err
	}
	return t.launcher.Activate(ctx, source, handle), nil
}

type CloseTabTool struct {
	launcher Launcher
}

func (t *CloseTabTool) Name() string { return "close-tab" }
func (t *CloseTabTool) Description() string {
	return `Close a tab or window.

Identify the item by source_id and id from search-tabs. A closed item leaves
the registry immediately.
Returns: {outcome, item?, error?}. outcome is one of closed, not_found,
producer_timeout, producer_error.`
}
func (t *CloseTabTool) InputSchema() map[string]interface{} {
	return itemSchema()
}
func (t *CloseTabTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	source, handle, err := itemArgs(args)
	if err != nil {
		return nil, err
	}
	return t.launcher.Close(ctx, source, handle), nil
}

type ListSourcesTool struct {
	launcher Launcher
}

func (t *ListSourcesTool) Name() string { return "list-sources" }
func (t *ListSourcesTool) Description() string {
	return `List supervised producers with their lifecycle state and item counts.`
}
func (t *ListSourcesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSourcesTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sources": t.launcher.SourceList()}, nil
}

type QueryFactsTool struct {
	launcher Launcher
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Query the bridge's event journal with a Mangle atom.

Example: source_state(Source, Producer, "dead", At).
Predicates: source_state, tab_report, activation, close_request,
framing_error, dead_source, failed_activation.`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle query atom",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	q := strings.TrimSpace(getStringArg(args, "query"))
	if q == "" {
		return nil, fmt.Errorf("query is required")
	}
	results, err := t.launcher.Facts(ctx, q)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"results": results, "count": len(results)}, nil
}

func itemSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"source_id": map[string]interface{}{
				"type":        "string",
				"description": "sourceId of the item",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "id of the item",
			},
		},
		"required": []string{"source_id", "id"},
	}
}

func itemArgs(args map[string]interface{}) (string, string, error) {
	source := getStringArg(args, "source_id")
	handle := getStringArg(args, "id")
	if source == "" || handle == "" {
		return "", "", fmt.Errorf("source_id and id are required")
	}
	return source, handle, nil
}
