// Package producer owns one duplex framed stream to one producer.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tabbridge/internal/wire"
)

// State is the liveness state of a connection.
type State int32

const (
	Connecting State = iota
	Live
	Dead
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrTransportClosed reports that the stream ended or was closed.
var ErrTransportClosed = errors.New("producer transport closed")

// FaultError is a producer's negative answer to a command.
type FaultError struct {
	Message string
}

func (e *FaultError) Error() string { return "producer error: " + e.Message }

// Inbound is one decoded envelope handed to the connection's handler.
type Inbound struct {
	Env wire.Envelope
	Msg wire.Message
	// ParseErr is set when the payload did not fit its action; Msg is nil.
	ParseErr error
	At       time.Time
}

// Match selects the inbound envelope that acknowledges a command.
type Match func(env wire.Envelope, msg wire.Message) bool

type ack struct {
	env wire.Envelope
	msg wire.Message
}

type waiter struct {
	match Match
	ch    chan ack
}

// Options configure a Conn.
type Options struct {
	ID       string
	Name     string
	MaxFrame int
	// Probe keeps the connection Connecting until a ping round-trip succeeds.
	// Passive connections go Live on their first valid envelope.
	Probe  bool
	Logger *zap.Logger
	// OnFramingError observes every malformed frame, fatal or not.
	OnFramingError func(reason string, at time.Time)
	// Trace observes every envelope read ("in") or written ("out").
	Trace func(dir string, env wire.Envelope)
}

// Conn wraps one producer stream. Exactly one goroutine may call Next; Send,
// Call and the command helpers are safe for concurrent use.
type Conn struct {
	id     string
	name   string
	rwc    io.ReadWriteCloser
	reader *wire.Reader
	probe  bool
	logger *zap.Logger
	warn   *rate.Limiter
	onBad  func(reason string, at time.Time)
	trace  func(dir string, env wire.Envelope)

	wmu    sync.Mutex
	writer *wire.Writer

	// cmd admits one acknowledged command at a time, so a bare response
	// belongs to the command in flight.
	cmd chan struct{}

	mu       sync.Mutex
	waiters  []*waiter
	lastSeen time.Time

	state     atomic.Int32
	live      chan struct{}
	liveOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	err       error

	framingStreak int
}

// New wraps rwc. The connection starts Connecting.
func New(rwc io.ReadWriteCloser, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Conn{
		id:     opts.ID,
		name:   opts.Name,
		rwc:    rwc,
		reader: wire.NewReader(rwc, opts.MaxFrame),
		writer: wire.NewWriter(rwc, opts.MaxFrame),
		probe:  opts.Probe,
		onBad:  opts.OnFramingError,
		trace:  opts.Trace,
		logger: logger.With(zap.String("source_id", opts.ID), zap.String("producer", opts.Name)),
		warn:   rate.NewLimiter(rate.Every(time.Second), 5),
		cmd:    make(chan struct{}, 1),
		live:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(Connecting))
	return c
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) Name() string { return c.name }

// State returns the current liveness state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Live is closed once the connection becomes Live.
func (c *Conn) Live() <-chan struct{} { return c.live }

// Done is closed once the connection is Dead.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection died, or nil while it is alive.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// LastSeen returns the receipt time of the last valid envelope.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Next blocks until the next envelope for the handler arrives. Pings are
// answered here, responses go to pending callers only, and one isolated
// framing error is answered with an error response. Any returned error means
// the connection is Dead.
func (c *Conn) Next() (Inbound, error) {
	for {
		env, err := c.reader.Next()
		if err != nil {
			var fe *wire.FramingError
			if !errors.As(err, &fe) {
				c.fail(fmt.Errorf("%w: %v", ErrTransportClosed, err))
				return Inbound{}, c.err
			}
			c.framingStreak++
			if c.onBad != nil {
				c.onBad(fe.Reason, time.Now())
			}
			if fe.Fatal || c.framingStreak >= 2 {
				c.logger.Warn("closing connection after framing error", zap.Error(err), zap.Int("streak", c.framingStreak))
				c.fail(err)
				return Inbound{}, c.err
			}
			if c.warn.Allow() {
				c.logger.Warn("dropped malformed frame", zap.Error(err))
			}
			if err := c.Respond(wire.Fail("Invalid message: %s", fe.Reason)); err != nil {
				return Inbound{}, c.err
			}
			continue
		}
		c.framingStreak = 0
		if c.trace != nil {
			c.trace("in", env)
		}

		now := c.touch()
		if !c.probe {
			c.markLive()
		}

		msg, perr := wire.Parse(env)
		if perr == nil {
			if c.deliver(env, msg) && env.IsResponse() {
				continue
			}
			switch msg.(type) {
			case wire.Ping:
				if err := c.Respond(wire.OK("pong")); err != nil {
					return Inbound{}, c.err
				}
				continue
			case wire.Reply:
				c.logger.Debug("unsolicited response dropped", zap.ByteString("payload", env.Payload))
				continue
			}
		}
		return Inbound{Env: env, Msg: msg, ParseErr: perr, At: now}, nil
	}
}

// Send writes one envelope.
func (c *Conn) Send(env wire.Envelope) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.writer.Write(env); err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			return err
		}
		c.fail(fmt.Errorf("%w: %v", ErrTransportClosed, err))
		return ErrTransportClosed
	}
	if c.trace != nil {
		c.trace("out", env)
	}
	return nil
}

// Respond writes a response envelope.
func (c *Conn) Respond(resp wire.Response) error {
	env, err := resp.Envelope()
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Call sends env and waits for the first inbound envelope accepted by match.
// Waiting needs another goroutine running Next.
func (c *Conn) Call(ctx context.Context, env wire.Envelope, match Match) (wire.Envelope, wire.Message, error) {
	w := &waiter{match: match, ch: make(chan ack, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	defer c.removeWaiter(w)

	if err := c.Send(env); err != nil {
		return wire.Envelope{}, nil, err
	}

	select {
	case a := <-w.ch:
		return a.env, a.msg, nil
	case <-ctx.Done():
		return wire.Envelope{}, nil, ctx.Err()
	case <-c.done:
		return wire.Envelope{}, nil, ErrTransportClosed
	}
}

// Ping performs one ping round-trip and marks the connection Live on success.
// Only a "pong" response completes it; a producer that rejects ping fails by
// timeout.
func (c *Conn) Ping(ctx context.Context) error {
	_, _, err := c.Call(ctx, wire.Envelope{Action: wire.ActionPing}, func(_ wire.Envelope, msg wire.Message) bool {
		return isPong(msg)
	})
	if err != nil {
		return err
	}
	c.markLive()
	return nil
}

// Activate sends switchToTab and waits for tabSwitched, an error report or a
// response.
func (c *Conn) Activate(ctx context.Context, cmd wire.SwitchToTab) error {
	env, err := wire.NewEnvelope(wire.ActionSwitchToTab, cmd)
	if err != nil {
		return err
	}
	msg, err := c.command(ctx, env, func(env wire.Envelope, msg wire.Message) bool {
		if m, ok := msg.(wire.TabSwitched); ok {
			return m.TabID == "" || m.TabID == cmd.TabID
		}
		return isCommandAnswer(msg)
	})
	if err != nil {
		return err
	}
	return ackError(msg)
}

// CloseTab sends closeTab and waits for tabClosed, an error report or a response.
func (c *Conn) CloseTab(ctx context.Context, cmd wire.CloseCommand) error {
	env, err := wire.NewEnvelope(wire.ActionCloseTab, cmd)
	if err != nil {
		return err
	}
	msg, err := c.command(ctx, env, func(env wire.Envelope, msg wire.Message) bool {
		if m, ok := msg.(wire.TabRemoved); ok {
			return env.Action == wire.ActionTabClosed && (m.TabID == "" || m.TabID == cmd.TabID)
		}
		return isCommandAnswer(msg)
	})
	if err != nil {
		return err
	}
	return ackError(msg)
}

// command is Call for commands answered by a bare response or error report.
// It waits for any earlier command on the connection to finish first.
func (c *Conn) command(ctx context.Context, env wire.Envelope, match Match) (wire.Message, error) {
	select {
	case c.cmd <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrTransportClosed
	}
	defer func() { <-c.cmd }()

	_, msg, err := c.Call(ctx, env, match)
	return msg, err
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.fail(ErrTransportClosed)
	return nil
}

func isPong(msg wire.Message) bool {
	r, ok := msg.(wire.Reply)
	return ok && r.Success && r.Message == "pong"
}

// isCommandAnswer accepts error reports and any response except a pong.
func isCommandAnswer(msg wire.Message) bool {
	switch msg.(type) {
	case wire.ProducerFault:
		return true
	case wire.Reply:
		return !isPong(msg)
	}
	return false
}

func ackError(msg wire.Message) error {
	switch m := msg.(type) {
	case wire.ProducerFault:
		return &FaultError{Message: m.Message}
	case wire.Reply:
		if !m.Success {
			return &FaultError{Message: m.Error}
		}
	}
	return nil
}

func (c *Conn) touch() time.Time {
	now := time.Now()
	c.mu.Lock()
	if now.After(c.lastSeen) {
		c.lastSeen = now
	} else {
		now = c.lastSeen
	}
	c.mu.Unlock()
	return now
}

func (c *Conn) markLive() {
	c.liveOnce.Do(func() {
		if c.state.CompareAndSwap(int32(Connecting), int32(Live)) {
			close(c.live)
			c.logger.Info("producer live")
		}
	})
}

// deliver hands env to the oldest matching waiter.
func (c *Conn) deliver(env wire.Envelope, msg wire.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w.match(env, msg) {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			w.ch <- ack{env: env, msg: msg}
			return true
		}
	}
	return false
}

func (c *Conn) removeWaiter(target *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.state.Store(int32(Dead))
		close(c.done)
		if cerr := c.rwc.Close(); cerr != nil {
			c.logger.Debug("close transport", zap.Error(cerr))
		}
		c.logger.Info("producer dead", zap.Error(err))
	})
}
