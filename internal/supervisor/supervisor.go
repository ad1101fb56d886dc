// Package supervisor owns producer lifecycles. It wires the bridge's own
// standard streams, accepted listener connections, spawned helper processes
// and polled adapters into sources, reconnects slots after a fixed backoff and
// purges a source's items when it dies.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"tabbridge/internal/activation"
	"tabbridge/internal/config"
	"tabbridge/internal/producer"
	"tabbridge/internal/registry"
	"tabbridge/internal/wire"
)

// SlotState is the lifecycle state of a producer slot or source.
type SlotState int32

const (
	Idle SlotState = iota
	Connecting
	Live
	Dead
)

func (s SlotState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("slot(%d)", int32(s))
	}
}

// Handler serves the inbound side of one stream connection until it dies.
type Handler interface {
	Serve(ctx context.Context, conn *producer.Conn) error
}

// Poller is a producer the bridge asks for reports instead of streaming from.
// Commands run in-process, so pollers are unacknowledged targets.
type Poller interface {
	activation.Target
	Connect(ctx context.Context) error
	Poll(ctx context.Context) ([]registry.Item, error)
	Kind() registry.Kind
	Browser() string
	Disconnect() error
}

// PollerFactory builds the poller for one configured slot.
type PollerFactory func(cfg config.ProducerConfig, logger *zap.Logger) (Poller, error)

// Events observes source lifecycle transitions.
type Events interface {
	SourceState(source, producer, state string, at time.Time)
	FramingError(source, reason string, at time.Time)
}

// Tracer receives every envelope crossing a stream source.
type Tracer interface {
	Frame(source, dir string, env wire.Envelope)
}

// SourceInfo describes one source or one slot still waiting for a source.
type SourceInfo struct {
	ID       string `json:"id,omitempty"`
	Producer string `json:"producer"`
	Kind     string `json:"kind"`
	Browser  string `json:"browser,omitempty"`
	State    string `json:"state"`
	Since    int64  `json:"since,omitempty"`
	LastSeen int64  `json:"lastSeen,omitempty"`
	Items    int    `json:"items"`
}

// Options configure a Supervisor.
type Options struct {
	Bridge    config.BridgeConfig
	Producers []config.ProducerConfig
	// Stdio is the bridge's own protocol stream; nil disables the stdio source.
	Stdio    io.ReadWriteCloser
	Pollers  map[string]PollerFactory
	Registry *registry.Registry
	Events   Events
	// Tracer, when set, records stream traffic.
	Tracer Tracer
	Logger *zap.Logger
}

// demandWait bounds how long a query waits for an on-demand refresh.
const demandWait = 500 * time.Millisecond

// errStdioClosed ends Run gracefully once the stdio source is gone.
var errStdioClosed = errors.New("stdio closed")

type slot struct {
	cfg     config.ProducerConfig
	state   atomic.Int32
	current atomic.Pointer[source]
}

// Supervisor runs every configured source until its context ends.
type Supervisor struct {
	opts   Options
	reg    *registry.Registry
	logger *zap.Logger
	slots  []*slot
	group  singleflight.Group

	mu      sync.RWMutex
	sources map[string]*source
	runCtx  context.Context

	demandOnce sync.Once
	demanded   chan struct{}
}

// New validates opts and builds a supervisor. Nothing starts until Run.
func New(opts Options) (*Supervisor, error) {
	if opts.Registry == nil {
		return nil, errors.New("supervisor needs a registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		opts:     opts,
		reg:      opts.Registry,
		logger:   logger,
		sources:  make(map[string]*source),
		demanded: make(chan struct{}),
	}
	for _, p := range opts.Producers {
		if p.Kind != config.KindProcess {
			if _, ok := opts.Pollers[p.Kind]; !ok {
				return nil, fmt.Errorf("producer %q: no poller for kind %q", p.Name, p.Kind)
			}
		}
		s.slots = append(s.slots, &slot{cfg: p})
	}
	return s, nil
}

// Run binds the listener, starts every slot and blocks until ctx ends. When
// the stdio source closes and exit_on_stdio_close is set, Run returns nil.
// Only a listener bind failure is returned as an error.
func (s *Supervisor) Run(ctx context.Context, h Handler) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.runCtx = gctx
	s.mu.Unlock()

	// Hold the group open until shutdown even when every source has ended.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if s.opts.Bridge.Stdio && s.opts.Stdio != nil {
		g.Go(func() error { return s.runStdio(gctx, h) })
	}
	if ln != nil {
		g.Go(func() error { return s.runListener(gctx, ln, h) })
	}
	for _, sl := range s.slots {
		sl := sl
		g.Go(func() error {
			if sl.cfg.Kind == config.KindProcess {
				return s.runProcess(gctx, sl, h)
			}
			return s.runPoller(gctx, sl)
		})
	}

	err = g.Wait()
	if errors.Is(err, errStdioClosed) {
		s.logger.Info("stdio closed, shutting down")
		return nil
	}
	return err
}

// Demand starts lazy slots and refreshes live pollers, waiting briefly for the
// refresh so the caller's query sees fresh items.
func (s *Supervisor) Demand() {
	s.demandOnce.Do(func() { close(s.demanded) })

	s.mu.RLock()
	ctx := s.runCtx
	var pollers []*source
	for _, src := range s.sources {
		if src.poller != nil && src.State() == Live {
			pollers = append(pollers, src)
		}
	}
	s.mu.RUnlock()
	if ctx == nil || len(pollers) == 0 {
		return
	}

	var g errgroup.Group
	for _, src := range pollers {
		src := src
		g.Go(func() error {
			if err := s.refresh(ctx, src); err != nil {
				src.logger.Debug("on-demand refresh failed", zap.Error(err))
			}
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Wait()
	}()
	select {
	case <-done:
	case <-time.After(demandWait):
	}
}

// Target implements activation.Directory. Only Live sources resolve.
func (s *Supervisor) Target(sourceID string) (activation.Target, bool) {
	s.mu.RLock()
	src, ok := s.sources[sourceID]
	s.mu.RUnlock()
	if !ok || src.State() != Live {
		return nil, false
	}
	if src.poller != nil {
		return src.poller, true
	}
	return connTarget{conn: src.conn}, true
}

// NoteBrowser records the browser name a source reported about itself.
func (s *Supervisor) NoteBrowser(sourceID, browser string) {
	if browser == "" {
		return
	}
	s.mu.RLock()
	src, ok := s.sources[sourceID]
	s.mu.RUnlock()
	if ok {
		src.setBrowser(browser)
	}
}

// Sources lists every registered source plus the slots that currently have
// none, ordered by producer name.
func (s *Supervisor) Sources() []SourceInfo {
	counts := make(map[string]int)
	snap := s.reg.Snapshot()
	for i := 0; i < snap.Len(); i++ {
		counts[snap.At(i).Source]++
	}

	s.mu.RLock()
	out := make([]SourceInfo, 0, len(s.sources)+len(s.slots))
	for _, src := range s.sources {
		info := src.info()
		info.Items = counts[src.id]
		out = append(out, info)
	}
	s.mu.RUnlock()

	for _, sl := range s.slots {
		if sl.current.Load() != nil {
			continue
		}
		out = append(out, SourceInfo{
			Producer: sl.cfg.Name,
			Kind:     sl.cfg.Kind,
			State:    SlotState(sl.state.Load()).String(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Producer != out[j].Producer {
			return out[i].Producer < out[j].Producer
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Supervisor) listen() (net.Listener, error) {
	if s.opts.Bridge.Listen == "" {
		return nil, nil
	}
	network, addr, err := s.opts.Bridge.ListenAddr()
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if fi, err := os.Lstat(addr); err == nil && fi.Mode()&os.ModeSocket != 0 {
			_ = os.Remove(addr)
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.opts.Bridge.Listen, err)
	}
	s.logger.Info("listening for producers", zap.String("addr", ln.Addr().String()))
	return ln, nil
}

func (s *Supervisor) runStdio(ctx context.Context, h Handler) error {
	src := s.addStream(nil, "stdio", "stdio", s.opts.Stdio, false)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runStream(ctx, src, h)
	}()

	select {
	case <-done:
		if s.opts.Bridge.ExitOnStdioClose && ctx.Err() == nil {
			return errStdioClosed
		}
		return nil
	case <-ctx.Done():
		// A blocked read on a terminal or pipe may not return on close.
		_ = src.conn.Close()
		return nil
	}
}

func (s *Supervisor) runListener(ctx context.Context, ln net.Listener, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		src := s.addStream(nil, "listener", "listen", c, false)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runStream(ctx, src, h)
		}()
	}
}

func (s *Supervisor) runProcess(ctx context.Context, sl *slot, h Handler) error {
	logger := s.logger.With(zap.String("producer", sl.cfg.Name))
	for {
		if err := s.waitDemand(ctx, sl); err != nil {
			return nil
		}
		sl.state.Store(int32(Connecting))

		var rwc io.ReadWriteCloser
		err := backoff.RetryNotify(func() error {
			var err error
			rwc, err = spawn(ctx, sl.cfg, logger)
			return err
		}, s.policy(ctx), func(err error, wait time.Duration) {
			logger.Warn("spawn failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
		})
		if err != nil {
			return nil
		}

		src := s.addStream(sl, sl.cfg.Name, sl.cfg.Kind, rwc, true)
		s.runStream(ctx, src, h)
		if !s.sleep(ctx) {
			return nil
		}
	}
}

func (s *Supervisor) runPoller(ctx context.Context, sl *slot) error {
	logger := s.logger.With(zap.String("producer", sl.cfg.Name))
	p, err := s.opts.Pollers[sl.cfg.Kind](sl.cfg, logger)
	if err != nil {
		logger.Error("cannot build poller", zap.Error(err))
		sl.state.Store(int32(Dead))
		return nil
	}

	for {
		if err := s.waitDemand(ctx, sl); err != nil {
			return nil
		}
		sl.state.Store(int32(Connecting))

		err := backoff.RetryNotify(func() error {
			return p.Connect(ctx)
		}, s.policy(ctx), func(err error, wait time.Duration) {
			logger.Warn("connect failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
		})
		if err != nil {
			return nil
		}

		src := s.addPoller(sl, p)
		err = s.pollLoop(ctx, src, sl.cfg.Interval())
		if derr := p.Disconnect(); derr != nil {
			src.logger.Debug("disconnect", zap.Error(derr))
		}
		s.retire(src, err)
		if !s.sleep(ctx) {
			return nil
		}
	}
}

func (s *Supervisor) pollLoop(ctx context.Context, src *source, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.refresh(ctx, src); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// refresh polls src once. Concurrent refreshes of one source share a call.
func (s *Supervisor) refresh(ctx context.Context, src *source) error {
	_, err, _ := s.group.Do(src.id, func() (interface{}, error) {
		items, err := src.poller.Poll(ctx)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", src.producer, err)
		}
		browser := src.poller.Browser()
		kind := src.poller.Kind()
		for i := range items {
			items[i].Kind = kind
			if items[i].Browser == "" {
				items[i].Browser = browser
			}
		}
		var applied, removed int
		if err := src.guard(func() {
			applied, removed = s.reg.Reconcile(src.id, kind, items)
		}); err != nil {
			return nil, err
		}
		src.logger.Debug("poll applied", zap.Int("applied", applied), zap.Int("removed", removed))
		s.transition(src, Live)
		return nil, nil
	})
	return err
}

// runStream serves a stream source until it dies. Probing sources are pinged
// first and then at the liveness interval.
func (s *Supervisor) runStream(ctx context.Context, src *source, h Handler) {
	stop := context.AfterFunc(ctx, func() { _ = src.conn.Close() })
	defer stop()
	go s.watchLive(src)

	served := make(chan error, 1)
	go func() { served <- h.Serve(ctx, src.conn) }()
	if src.probe {
		s.probe(src)
	}
	err := <-served
	_ = src.conn.Close()
	s.retire(src, err)
}

func (s *Supervisor) probe(src *source) {
	if err := s.ping(src); err != nil {
		src.logger.Warn("producer did not answer ping", zap.Error(err))
		_ = src.conn.Close()
		return
	}
	interval := s.opts.Bridge.Liveness()
	if interval <= 0 {
		<-src.conn.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-src.conn.Done():
			return
		case <-ticker.C:
			if err := s.ping(src); err != nil {
				src.logger.Warn("liveness probe failed", zap.Error(err))
				_ = src.conn.Close()
				return
			}
		}
	}
}

func (s *Supervisor) ping(src *source) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Bridge.PingWait())
	defer cancel()
	return src.conn.Ping(ctx)
}

func (s *Supervisor) watchLive(src *source) {
	select {
	case <-src.conn.Live():
		s.transition(src, Live)
	case <-src.conn.Done():
	}
}

func (s *Supervisor) addStream(sl *slot, name, kind string, rwc io.ReadWriteCloser, probe bool) *source {
	id := uuid.NewString()
	logger := s.logger.With(zap.String("source_id", id), zap.String("producer", name))
	src := &source{
		id:       id,
		producer: name,
		kind:     kind,
		slot:     sl,
		probe:    probe,
		logger:   logger,
		conn: producer.New(rwc, producer.Options{
			ID:       id,
			Name:     name,
			MaxFrame: s.opts.Bridge.MaxFrameBytes,
			Probe:    probe,
			Logger:   s.logger,
			OnFramingError: func(reason string, at time.Time) {
				if s.opts.Events != nil {
					s.opts.Events.FramingError(id, reason, at)
				}
			},
			Trace: s.trace(id),
		}),
	}
	s.register(src)
	return src
}

func (s *Supervisor) addPoller(sl *slot, p Poller) *source {
	id := uuid.NewString()
	src := &source{
		id:       id,
		producer: sl.cfg.Name,
		kind:     sl.cfg.Kind,
		slot:     sl,
		poller:   p,
		browser:  p.Browser(),
		logger:   s.logger.With(zap.String("source_id", id), zap.String("producer", sl.cfg.Name)),
	}
	s.register(src)
	return src
}

func (s *Supervisor) register(src *source) {
	src.state.Store(int32(Connecting))
	src.since = time.Now()
	s.mu.Lock()
	s.sources[src.id] = src
	s.mu.Unlock()
	if src.slot != nil {
		src.slot.current.Store(src)
		src.slot.state.Store(int32(Connecting))
	}
	src.logger.Info("source connecting", zap.String("kind", src.kind))
	s.emit(src, Connecting)
}

func (s *Supervisor) transition(src *source, state SlotState) {
	changed := false
	_ = src.guard(func() {
		if SlotState(src.state.Swap(int32(state))) != state {
			src.since = time.Now()
			changed = true
		}
	})
	if !changed {
		return
	}
	if src.slot != nil {
		src.slot.state.Store(int32(state))
	}
	src.logger.Info("source state changed", zap.Stringer("state", state))
	s.emit(src, state)
}

// retire marks src Dead and drops every item it reported.
func (s *Supervisor) retire(src *source, cause error) {
	s.mu.Lock()
	delete(s.sources, src.id)
	s.mu.Unlock()

	var removed int
	src.mu.Lock()
	src.dead = true
	src.state.Store(int32(Dead))
	removed = s.reg.PurgeSource(src.id)
	src.mu.Unlock()
	if src.slot != nil {
		src.slot.current.CompareAndSwap(src, nil)
		src.slot.state.Store(int32(Dead))
	}
	fields := []zap.Field{zap.Int("purged", removed)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	src.logger.Info("source dead", fields...)
	s.emit(src, Dead)
}

func (s *Supervisor) emit(src *source, state SlotState) {
	if s.opts.Events != nil {
		s.opts.Events.SourceState(src.id, src.producer, state.String(), time.Now())
	}
}

func (s *Supervisor) waitDemand(ctx context.Context, sl *slot) error {
	if !sl.cfg.Lazy {
		return ctx.Err()
	}
	select {
	case <-s.demanded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) policy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.NewConstantBackOff(s.opts.Bridge.Backoff()), ctx)
}

// sleep waits out the reconnect backoff. It reports false when ctx ended.
func (s *Supervisor) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.opts.Bridge.Backoff())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Supervisor) trace(id string) func(dir string, env wire.Envelope) {
	if s.opts.Tracer == nil {
		return nil
	}
	return func(dir string, env wire.Envelope) { s.opts.Tracer.Frame(id, dir, env) }
}
