package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const dialTimeout = 5 * time.Second

func runConnect(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Bridge.Listen == "" {
		return errors.New("bridge.listen is not configured")
	}
	network, address, err := cfg.Bridge.ListenAddr()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Server, verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	conn, err := net.DialTimeout(network, address, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}
	logger.Info("relaying to bridge", zap.String("network", network), zap.String("address", address))
	return relay(cmd.Context(), conn, os.Stdin, os.Stdout)
}

// relay copies in to conn and conn to out until either direction ends. conn
// is closed on return.
func relay(ctx context.Context, conn net.Conn, in io.Reader, out io.Writer) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	done := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, in)
		done <- err
	}()
	go func() {
		_, err := io.Copy(out, conn)
		done <- err
	}()

	err := <-done
	if err == nil || ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
