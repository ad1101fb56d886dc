package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"tabbridge/internal/bridge"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"tabbridge://about",
			"Tab Bridge About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info and supervised producers."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"tabbridge://tabs",
			"Open Tabs",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Current tabs and windows plus recent history."),
		),
		s.handleTabsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"tabbridge://source/{sourceId}/tabs",
			"Source Tabs",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Items reported by one source."),
		),
		s.handleSourceTabsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(request.Params.URI, map[string]interface{}{
		"name":         s.cfg.Server.Name,
		"version":      s.cfg.Server.Version,
		"sources":      s.launcher.SourceList(),
		"timestamp_ms": time.Now().UnixMilli(),
	})
}

func (s *Server) handleTabsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(request.Params.URI, s.launcher.AllTabs())
}

func (s *Server) handleSourceTabsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	sourceID := argString(request.Params.Arguments["sourceId"])
	if sourceID == "" {
		return nil, fmt.Errorf("missing sourceId")
	}
	return jsonContents(request.Params.URI, map[string]interface{}{
		"source_id": sourceID,
		"items":     itemsOfSource(s.launcher.AllTabs(), sourceID),
	})
}

func itemsOfSource(view bridge.TabsView, sourceID string) []bridge.ItemView {
	out := []bridge.ItemView{}
	for _, group := range [][]bridge.ItemView{view.CurrentTabs, view.RecentHistory} {
		for _, item := range group {
			if item.SourceID == sourceID {
				out = append(out, item)
			}
		}
	}
	return out
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}
