package mangle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tabbridge/internal/activation"
	"tabbridge/internal/config"
	"tabbridge/internal/registry"
)

func newTestEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	engine, err := NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: limit}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestEngineLoadsEmbeddedSchema(t *testing.T) {
	engine := newTestEngine(t, 100)
	if !engine.Ready() {
		t.Fatal("Engine not ready after schema load")
	}
}

func TestEngineLoadSchemaFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.mg")
	if err := os.WriteFile(path, []byte("Decl critical_error(Message, Timestamp).\n"), 0644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	engine, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: path}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if !engine.Ready() {
		t.Fatal("Engine not ready after schema load")
	}
}

func TestEngineLoadSchemaError(t *testing.T) {
	_, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: "/nonexistent/schema.mg"}, nil)
	if err == nil {
		t.Fatal("expected error for missing schema file")
	}

	engine := newTestEngine(t, 0)
	if err := engine.LoadSchemaString("this is not mangle ("); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEngineDisabled(t *testing.T) {
	engine, err := NewEngine(config.MangleConfig{Enable: false}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if err := engine.AddFacts(context.Background(), []Fact{{Predicate: "tab_report", Args: []interface{}{"s", "Chrome", 1, int64(1)}}}); err != nil {
		t.Fatalf("AddFacts on disabled engine failed: %v", err)
	}
	if len(engine.Facts()) != 0 {
		t.Error("disabled engine should not buffer facts")
	}
	if _, err := engine.Query(context.Background(), "tab_report(S, B, C, T)."); err == nil {
		t.Error("expected query on disabled engine to fail")
	}
}

func TestEngineQueryBindsVariables(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()

	facts := []Fact{
		{Predicate: "tab_report", Args: []interface{}{"src-1", "Chrome", 2, int64(1000)}, Timestamp: time.Now()},
		{Predicate: "tab_report", Args: []interface{}{"src-2", "Firefox", 5, int64(2000)}, Timestamp: time.Now()},
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	results, err := engine.Query(ctx, "tab_report(S, B, C, T).")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	results, err = engine.Query(ctx, `tab_report(S, "Firefox", C, _)`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result for constant match, got %d", len(results))
	}
	if results[0]["S"] != "src-2" {
		t.Errorf("expected S=src-2, got %v", results[0]["S"])
	}
	if results[0]["C"] != int64(5) {
		t.Errorf("expected C=5, got %v (%T)", results[0]["C"], results[0]["C"])
	}
	if _, ok := results[0]["_"]; ok {
		t.Error("wildcard should not be bound")
	}
}

func TestEngineDerivesRules(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()

	facts := []Fact{
		{Predicate: "source_state", Args: []interface{}{"src-1", "chrome", "live", int64(1)}},
		{Predicate: "source_state", Args: []interface{}{"src-1", "chrome", "dead", int64(2)}},
		{Predicate: "source_state", Args: []interface{}{"src-2", "os", "live", int64(3)}},
		{Predicate: "activation", Args: []interface{}{"src-2", "0x1", "producer_timeout", int64(4)}},
		{Predicate: "activation", Args: []interface{}{"src-2", "0x2", "activated", int64(5)}},
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	dead, err := engine.Query(ctx, "dead_source(S, P).")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(dead) != 1 || dead[0]["S"] != "src-1" {
		t.Errorf("expected dead_source for src-1, got %v", dead)
	}

	failed, err := engine.Query(ctx, "failed_activation(S, H)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(failed) != 1 || failed[0]["H"] != "0x1" {
		t.Errorf("expected failed_activation for 0x1, got %v", failed)
	}
}

func TestEngineQueryParseError(t *testing.T) {
	engine := newTestEngine(t, 10)

	if _, err := engine.Query(context.Background(), "   "); err == nil {
		t.Error("expected error for empty query")
	}
	if _, err := engine.Query(context.Background(), "tab_report(("); err == nil {
		t.Error("expected error for malformed query")
	}
}

func TestEngineBufferLimit(t *testing.T) {
	engine := newTestEngine(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f := Fact{Predicate: "framing_error", Args: []interface{}{"src", "bad", int64(i)}, Timestamp: time.Now()}
		if err := engine.AddFacts(ctx, []Fact{f}); err != nil {
			t.Fatalf("AddFacts failed: %v", err)
		}
	}

	facts := engine.Facts()
	if len(facts) != 3 {
		t.Fatalf("expected buffer trimmed to 3, got %d", len(facts))
	}
	if facts[0].Args[2] != int64(2) {
		t.Errorf("expected oldest retained fact to be #2, got %v", facts[0].Args[2])
	}
	if got := len(engine.FactsByPredicate("framing_error")); got != 3 {
		t.Errorf("expected index rebuilt with 3 entries, got %d", got)
	}
}

func TestEngineTemporalQuery(t *testing.T) {
	engine := newTestEngine(t, 100)
	now := time.Now()

	facts := []Fact{
		{Predicate: "tab_report", Args: []interface{}{"a", "Chrome", 1, int64(1)}, Timestamp: now.Add(-2 * time.Minute)},
		{Predicate: "tab_report", Args: []interface{}{"a", "Chrome", 2, int64(2)}, Timestamp: now.Add(-30 * time.Second)},
		{Predicate: "tab_report", Args: []interface{}{"a", "Chrome", 3, int64(3)}, Timestamp: now},
	}
	if err := engine.AddFacts(context.Background(), facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	recent := engine.QueryTemporal("tab_report", now.Add(-time.Minute), time.Time{})
	if len(recent) != 2 {
		t.Errorf("expected 2 facts in the last minute, got %d", len(recent))
	}
	window := engine.QueryTemporal("tab_report", now.Add(-time.Minute), now)
	if len(window) != 1 {
		t.Errorf("expected 1 fact strictly inside the window, got %d", len(window))
	}
	if len(engine.QueryTemporal("missing", time.Time{}, time.Time{})) != 0 {
		t.Error("expected no facts for unknown predicate")
	}
}

func TestJournalRecordsBridgeEvents(t *testing.T) {
	engine := newTestEngine(t, 100)
	j := NewJournal(engine, nil)
	now := time.Now()

	j.SourceState("src-1", "chrome", "dead", now)
	j.TabReport("src-1", "Chrome", 4, now)
	j.FramingError("src-1", "body is not a JSON object", now)
	j.RecordActivation("activate", registry.Key{Source: "src-1", Handle: "7"}, activation.ProducerTimeout, now)
	j.RecordActivation("close", registry.Key{Source: "src-1", Handle: "8"}, activation.Closed, now)

	for _, pred := range []string{"source_state", "tab_report", "framing_error", "activation", "close_request"} {
		if len(engine.FactsByPredicate(pred)) != 1 {
			t.Errorf("expected one %s fact", pred)
		}
	}

	failed, err := j.Query(context.Background(), "failed_activation(S, H).")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(failed) != 1 || failed[0]["H"] != "7" {
		t.Errorf("unexpected failed_activation results: %v", failed)
	}
}

func TestNilJournalIsSafe(t *testing.T) {
	var j *Journal
	j.SourceState("s", "p", "live", time.Now())
	j.RecordActivation("activate", registry.Key{}, activation.NotFound, time.Now())

	if _, err := j.Query(context.Background(), "dead_source(S, P)."); err != ErrDisabled {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
	if j.Engine() != nil {
		t.Error("expected nil engine")
	}
}
