package mangle

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"

	"tabbridge/internal/config"
)

// DefaultSchema declares the journal predicates and derived rules.
//
//go:embed schema.mg
var DefaultSchema string

// Fact represents a normalized event emitted by the bridge.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult represents a binding of variables to values from a Mangle query.
type QueryResult map[string]interface{}

// Engine wraps the Mangle deductive database with a bounded fact buffer.
type Engine struct {
	cfg    config.MangleConfig
	logger *zap.Logger

	mu           sync.RWMutex
	schemaLoaded bool
	programInfo  *analysis.ProgramInfo
	store        factstore.FactStore

	// Fact buffer for temporal queries
	facts []Fact
	// Predicate index for O(m) lookup instead of O(n)
	index map[string][]int
}

// NewEngine builds an engine. When enabled it loads cfg.SchemaPath, or the
// embedded schema when no path is set.
func NewEngine(cfg config.MangleConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		facts:  make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:  make(map[string][]int),
		store:  factstore.NewSimpleInMemoryStore(),
	}

	if !cfg.Enable {
		return e, nil
	}
	if cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
		return e, nil
	}
	if err := e.LoadSchemaString(DefaultSchema); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadSchema parses a Mangle schema file and prepares the engine for evaluation.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	return e.LoadSchemaString(string(data))
}

// LoadSchemaString parses and analyzes schema source.
func (e *Engine) LoadSchemaString(src string) error {
	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(src)))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}

	// Analyze the program (stratification, safety checks)
	programInfo, err := analysis.AnalyzeOneUnit(sourceUnit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.programInfo = programInfo
	e.schemaLoaded = true
	return nil
}

// AddFacts appends facts to the temporal buffer and the Mangle store, then
// re-evaluates the rules.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable || len(facts) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	baseIdx := len(e.facts)
	e.facts = append(e.facts, facts...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		e.facts = e.facts[len(e.facts)-e.cfg.FactBufferLimit:]
		e.rebuildIndex()
	} else {
		for i, f := range facts {
			e.index[f.Predicate] = append(e.index[f.Predicate], baseIdx+i)
		}
	}

	for _, f := range facts {
		e.store.Add(factToAtom(f))
	}

	if e.schemaLoaded && e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
	}
	return nil
}

// Query executes a single-atom Mangle query such as `dead_source(S, P).` and
// returns one binding map per matching fact. Constant arguments must match.
func (e *Engine) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, fmt.Errorf("engine not ready")
	}

	clean := strings.TrimSpace(queryStr)
	clean = strings.TrimSpace(strings.TrimPrefix(clean, "?"))
	clean = strings.TrimSpace(strings.TrimSuffix(clean, "."))
	if clean == "" {
		return nil, fmt.Errorf("no query found")
	}
	queryAtom, err := parse.Atom(clean)
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(atom.Args) != len(queryAtom.Args) {
			return nil
		}
		result := make(QueryResult)
		for i, arg := range queryAtom.Args {
			switch q := arg.(type) {
			case ast.Variable:
				if q.Symbol != "_" {
					result[q.Symbol] = convertConstant(atom.Args[i])
				}
			case ast.Constant:
				if fmt.Sprint(convertConstant(q)) != fmt.Sprint(convertConstant(atom.Args[i])) {
					return nil
				}
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return results, nil
}

// QueryTemporal queries facts within a time window.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		if idx < 0 || idx >= len(e.facts) {
			continue
		}
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

// FactsByPredicate returns buffered facts for one predicate using the index.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	results := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(e.facts) {
			results = append(results, e.facts[idx])
		}
	}
	return results
}

// Facts returns a shallow copy of buffered facts for debugging.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether the engine has a usable query context.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaLoaded || !e.cfg.Enable
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	switch term := c.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType, ast.NameType:
			return term.Symbol
		case ast.NumberType:
			return term.NumValue
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	case nil:
		return nil
	default:
		return fmt.Sprintf("%v", c)
	}
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}
