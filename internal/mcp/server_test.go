package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"tabbridge/internal/bridge"
	"tabbridge/internal/config"
	"tabbridge/internal/mangle"
	"tabbridge/internal/query"
	"tabbridge/internal/registry"
	"tabbridge/internal/supervisor"
)

type fakeLauncher struct {
	items     []bridge.ItemView
	lastQuery string
	lastOpts  query.Options
	lastLimit int
	commands  []string
	factsErr  error
}

func (f *fakeLauncher) AllTabs() bridge.TabsView {
	return bridge.TabsView{CurrentTabs: f.items, RecentHistory: []bridge.ItemView{}}
}

func (f *fakeLauncher) Search(text string, opts query.Options) []bridge.ItemView {
	f.lastQuery, f.lastOpts = text, opts
	return f.items
}

func (f *fakeLauncher) Recent(limit int) []bridge.ItemView {
	f.lastLimit = limit
	return f.items
}

func (f *fakeLauncher) Activate(_ context.Context, sourceID, handle string) bridge.CommandResult {
	f.commands = append(f.commands, "activate "+sourceID+"/"+handle)
	return bridge.CommandResult{Outcome: "activated"}
}

func (f *fakeLauncher) Close(_ context.Context, sourceID, handle string) bridge.CommandResult {
	f.commands = append(f.commands, "close "+sourceID+"/"+handle)
	return bridge.CommandResult{Outcome: "not_found", Error: "item not found"}
}

func (f *fakeLauncher) SourceList() []supervisor.SourceInfo {
	return []supervisor.SourceInfo{{ID: "s1", Producer: "firefox", Kind: "stdio", State: "live", Items: 1}}
}

func (f *fakeLauncher) Facts(_ context.Context, q string) ([]mangle.QueryResult, error) {
	if f.factsErr != nil {
		return nil, f.factsErr
	}
	return []mangle.QueryResult{{"Source": "s1"}}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{items: []bridge.ItemView{
		{ID: "7", SourceID: "s1", Type: "tab", Title: "Inbox", URL: "https://mail.example.com"},
		{ID: "0x1", SourceID: "s2", Type: "window", Title: "Terminal"},
	}}
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Bridge.RecentLimit = 5
	s, err := NewServer(cfg, launcher, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return s, launcher
}

func TestNewServer(t *testing.T) {
	s, _ := newTestServer(t)
	for _, name := range []string{"search-tabs", "recent-tabs", "activate-tab", "close-tab", "list-sources", "query-facts"} {
		tool, ok := s.tools[name]
		if !ok {
			t.Errorf("tool %s not registered", name)
			continue
		}
		if tool.Description() == "" {
			t.Errorf("tool %s has no description", name)
		}
		if _, err := json.Marshal(tool.InputSchema()); err != nil {
			t.Errorf("tool %s schema does not marshal: %v", name, err)
		}
	}

	if _, err := NewServer(config.DefaultConfig(), nil, nil); err == nil {
		t.Error("expected error without launcher")
	}
}

func TestExecuteToolUnknown(t *testing.T) {
	s, _ := newTestServer(t)
	if _, err := s.ExecuteTool(context.Background(), "no-such-tool", nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestSearchTabsTool(t *testing.T) {
	s, launcher := newTestServer(t)
	ctx := context.Background()

	result, err := s.ExecuteTool(ctx, "search-tabs", map[string]interface{}{
		"query": "mail",
		"limit": float64(3),
		"kinds": []interface{}{"tab", "window"},
	})
	if err != nil {
		t.Fatalf("search-tabs failed: %v", err)
	}
	if got := result.(map[string]interface{})["count"].(int); got != 2 {
		t.Errorf("expected count 2, got %d", got)
	}
	if launcher.lastQuery != "mail" || launcher.lastOpts.Limit != 3 {
		t.Errorf("unexpected query forwarded: %q %+v", launcher.lastQuery, launcher.lastOpts)
	}
	if len(launcher.lastOpts.Kinds) != 2 || launcher.lastOpts.Kinds[1] != registry.KindWindow {
		t.Errorf("unexpected kinds: %v", launcher.lastOpts.Kinds)
	}

	if _, err := s.ExecuteTool(ctx, "search-tabs", map[string]interface{}{"kinds": []interface{}{"bookmark"}}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := s.ExecuteTool(ctx, "search-tabs", map[string]interface{}{"limit": float64(-1)}); err == nil {
		t.Error("expected error for negative limit")
	}
}

func TestRecentTabsToolDefaultsToConfiguredLimit(t *testing.T) {
	s, launcher := newTestServer(t)
	if _, err := s.ExecuteTool(context.Background(), "recent-tabs", map[string]interface{}{}); err != nil {
		t.Fatalf("recent-tabs failed: %v", err)
	}
	if launcher.lastLimit != 5 {
		t.Errorf("expected limit 5, got %d", launcher.lastLimit)
	}
}

func TestActivateAndCloseTools(t *testing.T) {
	s, launcher := newTestServer(t)
	ctx := context.Background()

	res, err := s.ExecuteTool(ctx, "activate-tab", map[string]interface{}{"source_id": "s1", "id": "7"})
	if err != nil {
		t.Fatalf("activate-tab failed: %v", err)
	}
	if res.(bridge.CommandResult).Outcome != "activated" {
		t.Errorf("unexpected result: %+v", res)
	}

	res, err = s.ExecuteTool(ctx, "close-tab", map[string]interface{}{"source_id": "s2", "id": "0x1"})
	if err != nil {
		t.Fatalf("close-tab failed: %v", err)
	}
	if res.(bridge.CommandResult).Outcome != "not_found" {
		t.Errorf("unexpected result: %+v", res)
	}

	if _, err := s.ExecuteTool(ctx, "activate-tab", map[string]interface{}{"id": "7"}); err == nil {
		t.Error("expected error without source_id")
	}

	want := []string{"activate s1/7", "close s2/0x1"}
	if strings.Join(launcher.commands, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, launcher.commands)
	}
}

func TestQueryFactsTool(t *testing.T) {
	s, launcher := newTestServer(t)
	ctx := context.Background()

	if _, err := s.ExecuteTool(ctx, "query-facts", map[string]interface{}{}); err == nil {
		t.Error("expected error for empty query")
	}

	res, err := s.ExecuteTool(ctx, "query-facts", map[string]interface{}{"query": "dead_source(S, P)."})
	if err != nil {
		t.Fatalf("query-facts failed: %v", err)
	}
	if res.(map[string]interface{})["count"].(int) != 1 {
		t.Errorf("expected one result, got %+v", res)
	}

	launcher.factsErr = mangle.ErrDisabled
	if _, err := s.ExecuteTool(ctx, "query-facts", map[string]interface{}{"query": "x(A)."}); !errors.Is(err, mangle.ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

func TestWrapToolReportsErrorsAsToolResults(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.wrapTool(s.tools["activate-tab"])

	var req mcp.CallToolRequest
	req.Params.Name = "activate-tab"
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !res.IsError {
		t.Error("expected IsError for missing arguments")
	}

	req.Params.Arguments = map[string]interface{}{"source_id": "s1", "id": "7"}
	res, err = handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if res.IsError {
		t.Fatal("unexpected tool error")
	}
	text := res.Content[0].(mcp.TextContent).Text
	if !strings.Contains(text, `"outcome":"activated"`) {
		t.Errorf("unexpected payload: %s", text)
	}
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("bad", map[string]interface{}{"v": math.Inf(1)})
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("fallback payload is not JSON: %v", err)
	}
	if decoded["success"] != false {
		t.Errorf("expected success=false, got %v", decoded["success"])
	}
}

func TestSourceTabsResource(t *testing.T) {
	s, _ := newTestServer(t)

	var req mcp.ReadResourceRequest
	req.Params.URI = "tabbridge://source/s2/tabs"
	req.Params.Arguments = map[string]interface{}{"sourceId": []string{"s2"}}
	contents, err := s.handleSourceTabsResource(context.Background(), req)
	if err != nil {
		t.Fatalf("resource read failed: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	var decoded struct {
		Items []bridge.ItemView `json:"items"`
	}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Items) != 1 || decoded.Items[0].ID != "0x1" {
		t.Errorf("unexpected items: %+v", decoded.Items)
	}

	req.Params.Arguments = map[string]interface{}{}
	if _, err := s.handleSourceTabsResource(context.Background(), req); err == nil {
		t.Error("expected error without sourceId")
	}
}

func TestAboutResourceListsSources(t *testing.T) {
	s, _ := newTestServer(t)
	var req mcp.ReadResourceRequest
	req.Params.URI = "tabbridge://about"
	contents, err := s.handleAboutResource(context.Background(), req)
	if err != nil {
		t.Fatalf("about failed: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, `"name":"test-server"`) || !strings.Contains(text, `"producer":"firefox"`) {
		t.Errorf("unexpected about payload: %s", text)
	}
}
