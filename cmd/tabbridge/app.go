package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tabbridge/internal/activation"
	"tabbridge/internal/bridge"
	"tabbridge/internal/browser"
	"tabbridge/internal/config"
	"tabbridge/internal/mangle"
	mcpserver "tabbridge/internal/mcp"
	"tabbridge/internal/query"
	"tabbridge/internal/recorder"
	"tabbridge/internal/registry"
	"tabbridge/internal/supervisor"
	"tabbridge/internal/windows"
)

// app holds the wired components of one bridge process.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	reg     *registry.Registry
	journal *mangle.Journal
	trace   *recorder.Recorder
	sup     *supervisor.Supervisor
	bridge  *bridge.Bridge
	mcp     *mcpserver.Server
}

// pollers maps producer kinds to their in-process implementations.
var pollers = map[string]supervisor.PollerFactory{
	config.KindDevTools: func(cfg config.ProducerConfig, logger *zap.Logger) (supervisor.Poller, error) {
		p, err := browser.NewPoller(cfg, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	},
	config.KindWindows: func(cfg config.ProducerConfig, logger *zap.Logger) (supervisor.Poller, error) {
		p, err := windows.NewPoller(cfg, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	},
}

// newApp wires the registry, journal, supervisor, coordinator and bridge.
// stdio may be nil when the bridge runs without its own protocol stream.
func newApp(cfg config.Config, stdio io.ReadWriteCloser, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &app{cfg: cfg, logger: logger}
	a.reg = registry.New(cfg.Bridge.GetRecentLimit(), logger.Named("registry"))

	if cfg.Mangle.Enable {
		engine, err := mangle.NewEngine(cfg.Mangle, logger.Named("mangle"))
		if err != nil {
			logger.Warn("event journal disabled", zap.Error(err))
		} else {
			a.journal = mangle.NewJournal(engine, logger.Named("journal"))
		}
	}

	if cfg.Bridge.TraceDir != "" {
		rec, err := recorder.NewRecorder(cfg.Bridge.TraceDir)
		if err != nil {
			return nil, fmt.Errorf("trace dir: %w", err)
		}
		if err := rec.Start(uuid.NewString()[:8]); err != nil {
			return nil, fmt.Errorf("start trace: %w", err)
		}
		a.trace = rec
	}

	supOpts := supervisor.Options{
		Bridge:    cfg.Bridge,
		Producers: cfg.Producers,
		Stdio:     stdio,
		Pollers:   pollers,
		Registry:  a.reg,
		Logger:    logger.Named("supervisor"),
	}
	if a.journal != nil {
		supOpts.Events = a.journal
	}
	if a.trace != nil {
		supOpts.Tracer = a.trace
	}
	sup, err := supervisor.New(supOpts)
	if err != nil {
		a.close()
		return nil, err
	}
	a.sup = sup

	coord := activation.New(a.reg, sup, cfg.Bridge.ActivationWait(), logger.Named("activation"))
	if a.journal != nil {
		coord.SetRecorder(a.journal)
	}

	bridgeOpts := bridge.Options{
		Registry:    a.reg,
		Query:       query.NewEngine(a.reg, sup.Demand),
		Coordinator: coord,
		Sources:     sup,
		Logger:      logger.Named("bridge"),
	}
	if a.journal != nil {
		bridgeOpts.Journal = a.journal
	}
	b, err := bridge.New(bridgeOpts)
	if err != nil {
		a.close()
		return nil, err
	}
	a.bridge = b

	if cfg.MCP.SSEPort > 0 {
		srv, err := mcpserver.NewServer(cfg, b, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.mcp = srv
	}
	return a, nil
}

// run blocks until ctx ends or the supervisor stops. The launcher surface is
// shut down with the supervisor.
func (a *app) run(ctx context.Context) error {
	defer a.close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.sup.Run(gctx, a.bridge)
	})
	if a.mcp != nil {
		g.Go(func() error { return a.mcp.StartSSE(gctx, a.cfg.MCP.SSEPort) })
	}
	return g.Wait()
}

func (a *app) close() {
	if a.trace != nil {
		if err := a.trace.Close(); err != nil {
			a.logger.Warn("closing trace failed", zap.Error(err))
		}
	}
}

// stdio joins the process's standard streams into one protocol stream.
type stdio struct {
	in  *os.File
	out *os.File
}

func newStdio(in, out *os.File) *stdio { return &stdio{in: in, out: out} }

func (s *stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *stdio) Write(p []byte) (int, error) { return s.out.Write(p) }
func (s *stdio) Close() error                { return s.in.Close() }
