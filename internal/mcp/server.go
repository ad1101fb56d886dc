package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"tabbridge/internal/bridge"
	"tabbridge/internal/config"
	"tabbridge/internal/mangle"
	"tabbridge/internal/query"
	"tabbridge/internal/supervisor"
)

// Launcher is the bridge surface the tools drive.
type Launcher interface {
	AllTabs() bridge.TabsView
	Search(text string, opts query.Options) []bridge.ItemView
	Recent(limit int) []bridge.ItemView
	Activate(ctx context.Context, sourceID, handle string) bridge.CommandResult
	Close(ctx context.Context, sourceID, handle string) bridge.CommandResult
	SourceList() []supervisor.SourceInfo
	Facts(ctx context.Context, q string) ([]mangle.QueryResult, error)
}

// Server exposes launcher tools to MCP clients.
type Server struct {
	cfg       config.Config
	launcher  Launcher
	logger    *zap.Logger
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer registers the launcher tools and resources.
func NewServer(cfg config.Config, launcher Launcher, logger *zap.Logger) (*Server, error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		launcher:  launcher,
		logger:    logger.Named("mcp"),
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              "127.0.0.1:" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("launcher tools listening", zap.Int("port", port))

	select {
	case <-ctx.Done():
		s.logger.Info("SSE server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(ctx, args)
}

func (s *Server) registerAllTools() {
	s.registerTool(&SearchTabsTool{launcher: s.launcher})
	s.registerTool(&RecentTabsTool{launcher: s.launcher, limit: s.cfg.Bridge.GetRecentLimit()})
	s.registerTool(&ActivateTabTool{launcher: s.launcher})
	s.registerTool(&CloseTabTool{launcher: s.launcher})
	s.registerTool(&ListSourcesTool{launcher: s.launcher})
	s.registerTool(&QueryFactsTool{launcher: s.launcher})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", tool.Name()), zap.Error(err))
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
