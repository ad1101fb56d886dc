package windows

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tabbridge/internal/config"
	"tabbridge/internal/registry"
)

// BrowserName is the browser label of every window item.
const BrowserName = "os"

// Producer reports an Adapter's windows as registry items. Commands run
// in-process.
type Producer struct {
	adapter Adapter
	logger  *zap.Logger
}

// NewProducer wraps adapter.
func NewProducer(adapter Adapter, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{adapter: adapter, logger: logger}
}

// NewPoller builds the wmctrl-backed producer for a windows slot.
func NewPoller(cfg config.ProducerConfig, logger *zap.Logger) (*Producer, error) {
	return NewProducer(NewWmctrl(cfg.Wmctrl()), logger), nil
}

// Connect checks that the adapter can enumerate windows.
func (p *Producer) Connect(ctx context.Context) error {
	if w, ok := p.adapter.(*Wmctrl); ok {
		if err := w.Available(); err != nil {
			return err
		}
	}
	_, err := p.adapter.Windows(ctx)
	return err
}

// Poll enumerates windows.
func (p *Producer) Poll(ctx context.Context) ([]registry.Item, error) {
	windows, err := p.adapter.Windows(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	items := make([]registry.Item, 0, len(windows))
	for _, w := range windows {
		items = append(items, registry.Item{
			Browser:  BrowserName,
			Kind:     registry.KindWindow,
			Handle:   w.Handle,
			Title:    w.Title,
			App:      w.ProcessName,
			LastSeen: now,
		})
	}
	return items, nil
}

func (p *Producer) Activate(ctx context.Context, item registry.Item) error {
	return p.adapter.SwitchTo(ctx, item.Handle)
}

func (p *Producer) Close(ctx context.Context, item registry.Item) error {
	return p.adapter.Close(ctx, item.Handle)
}

func (p *Producer) Acknowledged() bool  { return false }
func (p *Producer) Kind() registry.Kind { return registry.KindWindow }
func (p *Producer) Browser() string     { return BrowserName }
func (p *Producer) Disconnect() error   { return nil }
