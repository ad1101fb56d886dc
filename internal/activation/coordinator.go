// Package activation routes activate and close requests to the producer that
// owns an item and classifies the result.
package activation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tabbridge/internal/registry"
)

// Outcome classifies one activation or close request.
type Outcome int

const (
	Activated Outcome = iota
	Closed
	NotFound
	ProducerTimeout
	ProducerError
)

func (o Outcome) String() string {
	switch o {
	case Activated:
		return "activated"
	case Closed:
		return "closed"
	case NotFound:
		return "not_found"
	case ProducerTimeout:
		return "producer_timeout"
	case ProducerError:
		return "producer_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var (
	ErrNotFound        = errors.New("item not found")
	ErrProducerTimeout = errors.New("producer did not acknowledge in time")
	ErrProducerError   = errors.New("producer error")
)

// Target executes commands against one live source.
type Target interface {
	Activate(ctx context.Context, item registry.Item) error
	Close(ctx context.Context, item registry.Item) error
	// Acknowledged reports whether commands wait on a protocol acknowledgment.
	// Only acknowledged targets are bounded by the coordinator timeout.
	Acknowledged() bool
}

// Directory resolves a source ID to its target. Sources that are not Live
// must not resolve.
type Directory interface {
	Target(sourceID string) (Target, bool)
}

// Store is the registry surface the coordinator needs.
type Store interface {
	Lookup(key registry.Key) (registry.Item, bool)
	Touch(source, handle, url string, at time.Time) (registry.Item, bool)
	ApplyRemoval(source string, handles []string) int
}

// Recorder observes every completed request.
type Recorder interface {
	RecordActivation(op string, key registry.Key, outcome Outcome, at time.Time)
}

// OK reports whether the command took effect.
func (o Outcome) OK() bool { return o == Activated || o == Closed }

// Result is the answer to one request. Err wraps one of the sentinel errors
// unless the outcome is OK.
type Result struct {
	Outcome Outcome
	Item    registry.Item
	Err     error
}

// Coordinator issues at most one command per request and never retries.
type Coordinator struct {
	store    Store
	dir      Directory
	timeout  time.Duration
	logger   *zap.Logger
	recorder Recorder
}

// New creates a coordinator. timeout bounds acknowledged commands.
func New(store Store, dir Directory, timeout time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, dir: dir, timeout: timeout, logger: logger}
}

// SetRecorder attaches an observer for completed requests.
func (c *Coordinator) SetRecorder(r Recorder) {
	c.recorder = r
}

// Activate brings the item behind key to the foreground. On success the item
// becomes active and moves to the front of the recent list.
func (c *Coordinator) Activate(ctx context.Context, key registry.Key) Result {
	res := c.run(ctx, "activate", key, Activated, func(ctx context.Context, t Target, item registry.Item) error {
		return t.Activate(ctx, item)
	})
	if res.Outcome == Activated {
		if item, ok := c.store.Touch(key.Source, key.Handle, "", time.Now()); ok {
			res.Item = item
		}
	}
	return res
}

// Close closes the item behind key and removes it on success.
func (c *Coordinator) Close(ctx context.Context, key registry.Key) Result {
	res := c.run(ctx, "close", key, Closed, func(ctx context.Context, t Target, item registry.Item) error {
		return t.Close(ctx, item)
	})
	if res.Outcome == Closed {
		c.store.ApplyRemoval(key.Source, []string{key.Handle})
	}
	return res
}

// run dispatches one command; done is the outcome reported on success.
func (c *Coordinator) run(ctx context.Context, op string, key registry.Key, done Outcome, call func(context.Context, Target, registry.Item) error) Result {
	res := c.dispatch(ctx, key, done, call)

	fields := []zap.Field{
		zap.String("op", op),
		zap.String("source_id", key.Source),
		zap.String("handle", key.Handle),
		zap.Stringer("outcome", res.Outcome),
	}
	switch res.Outcome {
	case Activated, Closed, NotFound:
		c.logger.Debug("command finished", fields...)
	default:
		c.logger.Warn("command failed", append(fields, zap.Error(res.Err))...)
	}
	if c.recorder != nil {
		c.recorder.RecordActivation(op, key, res.Outcome, time.Now())
	}
	return res
}

func (c *Coordinator) dispatch(ctx context.Context, key registry.Key, done Outcome, call func(context.Context, Target, registry.Item) error) Result {
	item, ok := c.store.Lookup(key)
	if !ok {
		return Result{Outcome: NotFound, Err: fmt.Errorf("%w: %s", ErrNotFound, key)}
	}
	target, ok := c.dir.Target(key.Source)
	if !ok {
		return Result{Outcome: NotFound, Item: item, Err: fmt.Errorf("%w: source %s is not live", ErrNotFound, key.Source)}
	}

	callCtx := ctx
	if target.Acknowledged() && c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	err := call(callCtx, target, item)
	switch {
	case err == nil:
		return Result{Outcome: done, Item: item}
	case ctx.Err() != nil:
		return Result{Outcome: ProducerError, Item: item, Err: fmt.Errorf("%w: request abandoned: %w", ErrProducerError, ctx.Err())}
	case errors.Is(err, context.DeadlineExceeded):
		return Result{Outcome: ProducerTimeout, Item: item, Err: fmt.Errorf("%w after %s", ErrProducerTimeout, c.timeout)}
	default:
		return Result{Outcome: ProducerError, Item: item, Err: fmt.Errorf("%w: %w", ErrProducerError, err)}
	}
}
