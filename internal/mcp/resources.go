package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// veritas://trustlog/recent — the most recently sealed decisions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"veritas://trustlog/recent",
			"Recent Trust Log Records",
			mcplib.WithResourceDescription("The most recently sealed decision records"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTrustLogRecent,
	)

	// veritas://trustlog/request/{request_id} — one request's sealed chain.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"veritas://trustlog/request/{request_id}",
			"Request Chain",
			mcplib.WithTemplateDescription("Sealed records and continuity verdict for one request"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRequestChain,
	)
}

func (s *Server) handleTrustLogRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	records := s.log.Tail(20)

	data, err := json.MarshalIndent(map[string]any{
		"records":   records,
		"last_hash": s.log.LastHash(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal recent records: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "veritas://trustlog/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseRequestChainURI extracts the request ID from a
// veritas://trustlog/request/{request_id} URI.
func parseRequestChainURI(uri string) (string, error) {
	requestID := strings.TrimPrefix(uri, "veritas://trustlog/request/")
	if requestID == uri || requestID == "" || strings.Contains(requestID, "/") {
		return "", fmt.Errorf("mcp: invalid request chain URI: %s", uri)
	}
	return requestID, nil
}

func (s *Server) handleRequestChain(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	requestID, err := parseRequestChainURI(uri)
	if err != nil {
		return nil, err
	}

	report, err := s.log.ByRequestID(requestID)
	if err != nil {
		return nil, fmt.Errorf("mcp: request chain: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal request chain: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
