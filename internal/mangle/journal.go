package mangle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tabbridge/internal/activation"
	"tabbridge/internal/registry"
)

// Journal turns bridge events into facts. A nil *Journal records nothing, and
// failures are logged without reaching the caller.
type Journal struct {
	engine *Engine
	logger *zap.Logger
}

// NewJournal records into engine.
func NewJournal(engine *Engine, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{engine: engine, logger: logger}
}

// Engine exposes the underlying engine for queries.
func (j *Journal) Engine() *Engine {
	if j == nil {
		return nil
	}
	return j.engine
}

// SourceState records a source lifecycle transition.
func (j *Journal) SourceState(source, producer, state string, at time.Time) {
	j.add(Fact{Predicate: "source_state", Args: []interface{}{source, producer, state, at.UnixMilli()}, Timestamp: at})
}

// TabReport records a full report from a producer.
func (j *Journal) TabReport(source, browser string, count int, at time.Time) {
	j.add(Fact{Predicate: "tab_report", Args: []interface{}{source, browser, count, at.UnixMilli()}, Timestamp: at})
}

// FramingError records a malformed frame on a connection.
func (j *Journal) FramingError(source, reason string, at time.Time) {
	j.add(Fact{Predicate: "framing_error", Args: []interface{}{source, reason, at.UnixMilli()}, Timestamp: at})
}

// RecordActivation implements activation.Recorder.
func (j *Journal) RecordActivation(op string, key registry.Key, outcome activation.Outcome, at time.Time) {
	predicate := "activation"
	if op == "close" {
		predicate = "close_request"
	}
	j.add(Fact{Predicate: predicate, Args: []interface{}{key.Source, key.Handle, outcome.String(), at.UnixMilli()}, Timestamp: at})
}

// Query runs a Mangle query against the journal.
func (j *Journal) Query(ctx context.Context, q string) ([]QueryResult, error) {
	if j == nil || j.engine == nil {
		return nil, ErrDisabled
	}
	return j.engine.Query(ctx, q)
}

func (j *Journal) add(f Fact) {
	if j == nil || j.engine == nil {
		return
	}
	if err := j.engine.AddFacts(context.Background(), []Fact{f}); err != nil {
		j.logger.Warn("journal write failed", zap.String("predicate", f.Predicate), zap.Error(err))
	}
}

// ErrDisabled is returned by queries when no journal is configured.
var ErrDisabled = errors.New("event journal is disabled")
