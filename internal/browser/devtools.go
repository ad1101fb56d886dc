// Package browser reports the page targets of a Chromium-family browser as tab
// items over the DevTools protocol, and activates or closes them in-process.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"tabbridge/internal/config"
	"tabbridge/internal/registry"
)

// DefaultBrowser names the source until the browser reports its product.
const DefaultBrowser = "Chrome"

var errNotConnected = errors.New("browser not connected")

// Poller owns one DevTools connection, either attached to a running browser or
// to one it launched itself.
type Poller struct {
	cfg    config.ProducerConfig
	logger *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	launched   *launcher.Launcher
	cancel     context.CancelFunc
	controlURL string
	product    string
}

// NewPoller validates cfg. Nothing connects until Connect.
func NewPoller(cfg config.ProducerConfig, logger *zap.Logger) (*Poller, error) {
	if cfg.DebuggerURL == "" && len(cfg.Launch) == 0 {
		return nil, errors.New("no debugger_url or launch command provided")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{cfg: cfg, logger: logger}, nil
}

// Connect attaches to debugger_url, or launches the configured binary when no
// URL is set. A healthy existing connection is reused.
func (p *Poller) Connect(ctx context.Context) error {
	if b := p.current(); b != nil {
		if _, err := b.Version(); err == nil {
			return nil
		}
		p.logger.Info("stale browser connection detected, reconnecting")
		_ = p.Disconnect()
	}

	var (
		controlURL string
		launched   *launcher.Launcher
	)
	if p.cfg.DebuggerURL != "" {
		u, err := resolveControlURL(p.cfg.DebuggerURL)
		if err != nil {
			return fmt.Errorf("resolve debugger url: %w", err)
		}
		controlURL = u
	} else {
		launched = p.launcher()
		u, err := launched.Launch()
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	sessCtx, cancel := context.WithCancel(ctx)
	b := rod.New().ControlURL(controlURL).Context(sessCtx)
	if err := b.Connect(); err != nil {
		cancel()
		if launched != nil {
			launched.Kill()
		}
		return fmt.Errorf("connect to browser: %w", err)
	}

	product := DefaultBrowser
	if v, err := b.Version(); err == nil {
		product = productName(v.Product)
	}

	p.mu.Lock()
	p.browser = b
	p.launched = launched
	p.cancel = cancel
	p.controlURL = controlURL
	p.product = product
	p.mu.Unlock()
	p.logger.Info("browser connected", zap.String("control_url", controlURL), zap.String("product", product))
	return nil
}

func (p *Poller) launcher() *launcher.Launcher {
	bin := p.cfg.Launch[0]
	l := launcher.New().Bin(bin).Headless(p.cfg.Headless)
	for _, rawFlag := range p.cfg.Launch[1:] {
		flagStr := strings.TrimLeft(rawFlag, "-")
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// Poll lists the browser's page targets.
func (p *Poller) Poll(ctx context.Context) ([]registry.Item, error) {
	b := p.current()
	if b == nil {
		return nil, errNotConnected
	}
	res, err := proto.TargetGetTargets{}.Call(b.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return pageItems(res.TargetInfos, p.Browser(), time.Now()), nil
}

// Activate brings the item's target to the front.
func (p *Poller) Activate(ctx context.Context, item registry.Item) error {
	b := p.current()
	if b == nil {
		return errNotConnected
	}
	return proto.TargetActivateTarget{TargetID: proto.TargetTargetID(item.Handle)}.Call(b.Context(ctx))
}

// Close closes the item's target.
func (p *Poller) Close(ctx context.Context, item registry.Item) error {
	b := p.current()
	if b == nil {
		return errNotConnected
	}
	_, err := proto.TargetCloseTarget{TargetID: proto.TargetTargetID(item.Handle)}.Call(b.Context(ctx))
	return err
}

// Acknowledged is false: DevTools calls complete in-process.
func (p *Poller) Acknowledged() bool { return false }

func (p *Poller) Kind() registry.Kind { return registry.KindTab }

// Browser returns the product name reported by the connected browser.
func (p *Poller) Browser() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.product == "" {
		return DefaultBrowser
	}
	return p.product
}

// ControlURL returns the WebSocket debugger URL of the current connection.
func (p *Poller) ControlURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.controlURL
}

// Disconnect drops the DevTools connection. A browser this poller launched is
// closed as well; an attached browser keeps running.
func (p *Poller) Disconnect() error {
	p.mu.Lock()
	b, launched, cancel := p.browser, p.launched, p.cancel
	p.browser, p.launched, p.cancel = nil, nil, nil
	p.controlURL = ""
	p.mu.Unlock()

	var err error
	if b != nil && launched != nil {
		err = b.Close()
	}
	if cancel != nil {
		cancel()
	}
	if launched != nil {
		launched.Cleanup()
	}
	return err
}

func (p *Poller) current() *rod.Browser {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.browser
}

// pageItems keeps only page targets, skipping extension pages and workers.
func pageItems(infos []*proto.TargetTargetInfo, browser string, at time.Time) []registry.Item {
	items := make([]registry.Item, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		if strings.HasPrefix(info.URL, "chrome-extension://") || strings.HasPrefix(info.URL, "devtools://") {
			continue
		}
		items = append(items, registry.Item{
			Browser:  browser,
			Kind:     registry.KindTab,
			Handle:   string(info.TargetID),
			Title:    info.Title,
			URL:      info.URL,
			App:      strings.ToLower(browser),
			LastSeen: at,
		})
	}
	return items
}

// productName turns "HeadlessChrome/120.0.6099.109" into "HeadlessChrome".
func productName(product string) string {
	name, _, _ := strings.Cut(product, "/")
	if name = strings.TrimSpace(name); name == "" {
		return DefaultBrowser
	}
	return name
}

// resolveControlURL accepts a ws:// URL as is and resolves http addresses or
// bare ports through the browser's /json/version endpoint.
func resolveControlURL(raw string) (string, error) {
	if strings.HasPrefix(raw, "ws://") || strings.HasPrefix(raw, "wss://") {
		return raw, nil
	}
	return launcher.ResolveURL(raw)
}
