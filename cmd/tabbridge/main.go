package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tabbridge/internal/config"
)

var (
	// Global flags
	configPath   string
	logFile      string
	verbose      bool
	noWorkspace  bool
	workspaceDir string

	// Run flags
	listenAddr string
	ssePort    int
)

var rootCmd = &cobra.Command{
	Use:   "tabbridge",
	Short: "Bridge browser tabs and desktop windows into one searchable list",
	Long: `tabbridge is a native-messaging host that collects open tabs from browser
extensions, DevTools endpoints and the window manager, answers queries over the
combined list and routes activation requests back to the owning producer.

Run without arguments to serve the framed protocol on stdin/stdout.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBridge,
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Relay stdin/stdout into a running bridge's listener",
	Long: `Connects to bridge.listen of the configured bridge and copies frames in both
directions. Register this command as the native-messaging host of a second
browser to share one bridge between browsers.`,
	Args: cobra.NoArgs,
	RunE: runConnect,
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a .tabbridge/config.yaml template",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) == 1 {
			root = args[0]
		}
		if err := config.InitWorkspace(root); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "initialized workspace in %s\n", root)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file layered over the workspace config")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log destination (overrides server.log_file; never stdout)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noWorkspace, "no-workspace", false, "Skip .tabbridge/ workspace discovery")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace-dir", "", "Use this directory as the workspace root")

	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Accept producer connections (unix:///path or tcp://host:port)")
	rootCmd.Flags().IntVar(&ssePort, "sse-port", 0, "Serve launcher tools over MCP SSE on this port")

	rootCmd.AddCommand(connectCmd, initCmd)
}

// loadConfig applies the config layers and the CLI overrides.
func loadConfig() (config.Config, string, error) {
	cfg, wsDir, err := config.LoadWithWorkspace(configPath, config.WorkspaceOptions{
		Disable:     noWorkspace,
		ExplicitDir: workspaceDir,
	})
	if err != nil {
		return cfg, wsDir, fmt.Errorf("load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Bridge.Listen = listenAddr
	}
	if ssePort != 0 {
		cfg.MCP.SSEPort = ssePort
	}
	if logFile != "" {
		cfg.Server.LogFile = logFile
	}
	return cfg, wsDir, cfg.Validate()
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, wsDir, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Server, verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if wsDir != "" {
		logger.Info("using workspace", zap.String("dir", wsDir))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, newStdio(os.Stdin, os.Stdout), logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	if err := a.run(ctx); err != nil {
		logger.Error("bridge exited with error", zap.Error(err))
		return err
	}
	logger.Info("bridge stopped")
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
