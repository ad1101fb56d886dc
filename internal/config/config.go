package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level tabbridge config.
	WorkspaceDirName = ".tabbridge"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10

	// MaxFrameLimit is the protocol ceiling for a single frame body (1 MiB).
	MaxFrameLimit = 1 << 20
)

// Producer kinds understood by the supervisor.
const (
	KindProcess  = "process"
	KindDevTools = "devtools"
	KindWindows  = "windows"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the tab bridge.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Bridge    BridgeConfig     `yaml:"bridge"`
	Producers []ProducerConfig `yaml:"producers"`
	MCP       MCPConfig        `yaml:"mcp"`
	Mangle    MangleConfig     `yaml:"mangle"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// BridgeConfig holds the protocol and lifecycle policy values.
type BridgeConfig struct {
	// Stdio serves the framed protocol on the process's own standard streams.
	Stdio bool `yaml:"stdio"`
	// ExitOnStdioClose shuts the bridge down when the stdio peer hangs up.
	ExitOnStdioClose bool `yaml:"exit_on_stdio_close"`
	// Listen accepts additional producer connections (unix:///path or tcp://host:port).
	Listen string `yaml:"listen"`
	// MaxFrameBytes caps a single inbound frame body.
	MaxFrameBytes int `yaml:"max_frame_bytes"`
	// How long an activation waits for the producer's acknowledgment (e.g., "2s").
	ActivationTimeout string `yaml:"activation_timeout"`
	// Delay before a dead producer slot reconnects (e.g., "5s").
	ReconnectBackoff string `yaml:"reconnect_backoff"`
	// Bound on a single ping round-trip (e.g., "3s").
	PingTimeout string `yaml:"ping_timeout"`
	// Interval between liveness pings to spawned producers; "0" disables probing.
	LivenessInterval string `yaml:"liveness_interval"`
	// Number of recently activated items remembered.
	RecentLimit int `yaml:"recent_limit"`
	// TraceDir, when set, receives rotating JSONL traces of every frame.
	TraceDir string `yaml:"trace_dir"`
}

// ProducerConfig describes one supervised producer slot.
type ProducerConfig struct {
	Name string `yaml:"name"`
	// Kind is one of process | devtools | windows.
	Kind string `yaml:"kind"`
	// Command spawns a process producer speaking the framed protocol on stdin/stdout.
	Command []string `yaml:"command"`
	// Lazy keeps the slot idle until the first query demands it.
	Lazy bool `yaml:"lazy"`
	// Control endpoint for Rod (e.g., ws://localhost:9222).
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// Headless controls whether a launched Chrome runs headless (default: false).
	Headless bool `yaml:"headless"`
	// Poll interval for devtools/windows producers (e.g., "2s").
	PollInterval string `yaml:"poll_interval"`
	// Path to the wmctrl binary for the windows producer.
	WmctrlPath string `yaml:"wmctrl_path"`
}

type MCPConfig struct {
	// When set, starts an SSE server exposing launcher tools on this port.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded event journal.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// DefaultConfig provides reasonable defaults for a browser native-messaging host.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "tabbridge",
			Version:  "0.3.0",
			LogFile:  "tabbridge.log",
			LogLevel: "info",
		},
		Bridge: BridgeConfig{
			Stdio:             true,
			ExitOnStdioClose:  true,
			MaxFrameBytes:     MaxFrameLimit,
			ActivationTimeout: "2s",
			ReconnectBackoff:  "5s",
			PingTimeout:       "3s",
			LivenessInterval:  "30s",
			RecentLimit:       20,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .tabbridge/config.yaml file.
// Returns the workspace root directory (parent of .tabbridge/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .tabbridge/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .tabbridge/ directory with a template config at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", wsDir, err)
	}

	templateConfig := `# tabbridge project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# bridge:
#   listen: "unix:///tmp/tabbridge.sock"
#   activation_timeout: "2s"
#   reconnect_backoff: "5s"
#   trace_dir: "traces"

# producers:
#   - name: os
#     kind: windows
#     poll_interval: "2s"
#   - name: chrome-devtools
#     kind: devtools
#     debugger_url: "ws://127.0.0.1:9222"
#     lazy: true

# mcp:
#   sse_port: 7331
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Bridge.TraceDir = resolve(cfg.Bridge.TraceDir)
	return cfg
}

// Validate ensures required fields exist so the bridge can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Bridge.MaxFrameBytes <= 0 || c.Bridge.MaxFrameBytes > MaxFrameLimit {
		return fmt.Errorf("bridge.max_frame_bytes must be in (0, %d]", MaxFrameLimit)
	}
	if c.Bridge.Listen != "" {
		if _, _, err := c.Bridge.ListenAddr(); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.Producers))
	for i, p := range c.Producers {
		if p.Name == "" {
			return fmt.Errorf("producers[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate producer name %q", p.Name)
		}
		seen[p.Name] = true

		switch p.Kind {
		case KindProcess:
			if len(p.Command) == 0 {
				return fmt.Errorf("producer %q: command is required for kind %q", p.Name, p.Kind)
			}
		case KindDevTools:
			if p.DebuggerURL == "" && len(p.Launch) == 0 {
				return fmt.Errorf("producer %q: debugger_url or launch must be provided", p.Name)
			}
		case KindWindows:
		default:
			return fmt.Errorf("producer %q: unknown kind %q", p.Name, p.Kind)
		}
	}
	return nil
}

// ListenAddr splits the listen URL into a net.Listen network and address.
func (b BridgeConfig) ListenAddr() (network, address string, err error) {
	switch {
	case strings.HasPrefix(b.Listen, "unix://"):
		return "unix", strings.TrimPrefix(b.Listen, "unix://"), nil
	case strings.HasPrefix(b.Listen, "tcp://"):
		return "tcp", strings.TrimPrefix(b.Listen, "tcp://"), nil
	default:
		return "", "", fmt.Errorf("bridge.listen must start with unix:// or tcp://, got %q", b.Listen)
	}
}

// ActivationWait returns the parsed activation timeout with a sane default.
func (b BridgeConfig) ActivationWait() time.Duration {
	return parseDuration(b.ActivationTimeout, 2*time.Second)
}

// Backoff returns the parsed reconnect backoff with a sane default.
func (b BridgeConfig) Backoff() time.Duration {
	return parseDuration(b.ReconnectBackoff, 5*time.Second)
}

// PingWait returns the parsed ping timeout with a sane default.
func (b BridgeConfig) PingWait() time.Duration {
	return parseDuration(b.PingTimeout, 3*time.Second)
}

// Liveness returns the liveness probe interval; zero disables probing.
func (b BridgeConfig) Liveness() time.Duration {
	if b.LivenessInterval == "0" {
		return 0
	}
	return parseDuration(b.LivenessInterval, 30*time.Second)
}

// GetRecentLimit returns the MRU size with a sane default.
func (b BridgeConfig) GetRecentLimit() int {
	if b.RecentLimit <= 0 {
		return 20
	}
	return b.RecentLimit
}

// Interval returns the parsed poll interval with a sane default.
func (p ProducerConfig) Interval() time.Duration {
	return parseDuration(p.PollInterval, 2*time.Second)
}

// Wmctrl returns the wmctrl binary path (default: "wmctrl" on PATH).
func (p ProducerConfig) Wmctrl() string {
	if p.WmctrlPath == "" {
		return "wmctrl"
	}
	return p.WmctrlPath
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
