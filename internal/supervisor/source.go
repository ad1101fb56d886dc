package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tabbridge/internal/producer"
	"tabbridge/internal/registry"
	"tabbridge/internal/wire"
)

var errSourceGone = errors.New("source is gone")

// source is one connected producer session. Exactly one of conn and poller is
// set.
type source struct {
	id       string
	producer string
	kind     string
	slot     *slot
	probe    bool
	conn     *producer.Conn
	poller   Poller
	logger   *zap.Logger

	state atomic.Int32

	// mu orders registry writes against retirement.
	mu      sync.Mutex
	dead    bool
	since   time.Time
	browser string
}

// State reports the source's lifecycle state.
func (s *source) State() SlotState {
	if s.conn != nil && SlotState(s.state.Load()) != Dead {
		switch s.conn.State() {
		case producer.Live:
			return Live
		case producer.Dead:
			return Dead
		default:
			return Connecting
		}
	}
	return SlotState(s.state.Load())
}

func (s *source) setBrowser(b string) {
	s.mu.Lock()
	s.browser = b
	s.mu.Unlock()
}

func (s *source) info() SourceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SourceInfo{
		ID:       s.id,
		Producer: s.producer,
		Kind:     s.kind,
		Browser:  s.browser,
		State:    s.State().String(),
		Since:    s.since.UnixMilli(),
	}
	if s.conn != nil {
		if seen := s.conn.LastSeen(); !seen.IsZero() {
			info.LastSeen = seen.UnixMilli()
		}
	}
	return info
}

// guard runs fn unless the source has been retired.
func (s *source) guard(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return errSourceGone
	}
	fn()
	return nil
}

// connTarget sends commands over a producer stream and waits for the
// producer's acknowledgment.
type connTarget struct {
	conn *producer.Conn
}

func (t connTarget) Activate(ctx context.Context, item registry.Item) error {
	return t.conn.Activate(ctx, wire.SwitchToTab{
		TabID:     wire.TabID(item.Handle),
		URL:       item.URL,
		Browser:   item.Browser,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (t connTarget) Close(ctx context.Context, item registry.Item) error {
	return t.conn.CloseTab(ctx, wire.CloseCommand{TabID: wire.TabID(item.Handle)})
}

func (connTarget) Acknowledged() bool { return true }
