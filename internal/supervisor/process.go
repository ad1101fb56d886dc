package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"tabbridge/internal/config"
)

// processPipe is a helper process seen as one duplex stream: its stdout is
// read and its stdin written.
type processPipe struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *zapio.Writer
	once   sync.Once
	err    error
}

func spawn(ctx context.Context, cfg config.ProducerConfig, logger *zap.Logger) (io.ReadWriteCloser, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("no command configured")
	}
	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &zapio.Writer{Log: logger.Named("stderr"), Level: zap.DebugLevel}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command[0], err)
	}
	logger.Info("spawned producer process", zap.Int("pid", cmd.Process.Pid))
	return &processPipe{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *processPipe) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processPipe) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close ends the process and reaps it. Safe to call more than once.
func (p *processPipe) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.err = err
		}
		_ = p.stderr.Close()
	})
	return p.err
}
