package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

func (s *Server) registerResources() {
	// reasoning://improve/status — loop status, same document as improve_status.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"reasoning://improve/status",
			"Improvement Loop Status",
			mcplib.WithResourceDescription("Current state of the self-improvement loop: breaker, recent actions, effectiveness, live configuration"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatusResource,
	)

	// reasoning://modes — the reasoning mode catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"reasoning://modes",
			"Reasoning Modes",
			mcplib.WithResourceDescription("Catalog of reasoning modes accepted by reasoning_run, with the pipe each routes to"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleModesResource,
	)

	// reasoning://improve/diagnosis/{id} — full diagnosis drill-down.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"reasoning://improve/diagnosis/{id}",
			"Diagnosis Detail",
			mcplib.WithTemplateDescription("One self-diagnosis in full: health report, proposed action, pipe trace"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleDiagnosisResource,
	)
}

func (s *Server) handleStatusResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	payload, err := s.statusPayload(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal status: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "reasoning://improve/status",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleModesResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(map[string]any{
		"default": defaultMode,
		"modes":   modeCatalog,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal modes: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "reasoning://modes",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleDiagnosisResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI

	raw := strings.TrimPrefix(uri, "reasoning://improve/diagnosis/")
	if raw == uri || raw == "" {
		return nil, fmt.Errorf("mcp: invalid diagnosis URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid diagnosis id %q: %w", raw, err)
	}

	diag, err := s.store.GetDiagnosis(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("mcp: diagnosis %s not found", id)
		}
		return nil, fmt.Errorf("mcp: get diagnosis: %w", err)
	}

	data, err := json.MarshalIndent(diag, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal diagnosis: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
