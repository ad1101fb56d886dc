// Package recorder writes the envelopes crossing producer connections to
// rotating JSONL trace files.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tabbridge/internal/wire"
)

// MaxRotatedFiles is how many trace files are kept, the current one included.
const MaxRotatedFiles = 3

// Direction of a traced frame relative to the bridge.
const (
	In  = "in"
	Out = "out"
)

// Event is one line of a trace file.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	Direction string          `json:"dir"`
	Source    string          `json:"source"`
	Action    string          `json:"action,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Recorder appends frames to the trace file of the current run.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
}

// NewRecorder ensures basePath exists.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		return nil, fmt.Errorf("trace directory is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath}, nil
}

// Start opens a new trace file for runID, dropping the oldest files beyond
// MaxRotatedFiles.
func (r *Recorder) Start(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.jsonl", runID, time.Now().UnixMilli())
	f, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	return nil
}

// Frame records one envelope. It is a no-op before Start and after Close.
func (r *Recorder) Frame(source, dir string, env wire.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	evt := Event{
		Timestamp: time.Now(),
		Direction: dir,
		Source:    source,
		Action:    env.Action,
	}
	if json.Valid(env.Payload) {
		evt.Payload = env.Payload
	}
	_ = r.encoder.Encode(evt)
}

func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	// Newest first.
	sort.Slice(traces, func(i, j int) bool {
		return traces[i].mod.After(traces[j].mod)
	})

	// Keep N-1 to make room for the new one.
	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// Close finishes the current trace file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}
