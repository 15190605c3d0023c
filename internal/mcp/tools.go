package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/audit"
	"github.com/fyrsmithlabs/guardrail/internal/remediation"
	"github.com/fyrsmithlabs/guardrail/internal/store"
)

// Tool outputs carry only masked previews; raw matches are never serialized.

type auditInput struct {
	Paths []string `json:"paths,omitempty" jsonschema:"Project-relative files to scan. Empty scans the whole project."`
}

type auditOutput struct {
	ProjectID    string            `json:"project_id" jsonschema:"Project identifier"`
	Summary      string            `json:"summary" jsonschema:"One-line summary of open violations"`
	FilesScanned int               `json:"files_scanned" jsonschema:"Number of files scanned"`
	Open         int               `json:"open" jsonschema:"Number of confirmed violations"`
	Emergency    bool              `json:"emergency" jsonschema:"True when an open violation is a P0 emergency"`
	Persisted    bool              `json:"persisted" jsonschema:"False when an active remediation session owns the record"`
	Findings     []audit.Entry     `json:"findings,omitempty" jsonschema:"Findings with masked previews"`
	ScanErrors   []audit.ScanError `json:"scan_errors,omitempty" jsonschema:"Files that could not be scanned"`
}

type statusInput struct{}

type statusOutput struct {
	ProjectID    string                        `json:"project_id" jsonschema:"Project identifier"`
	Active       bool                          `json:"active" jsonschema:"True when a session exists for the project"`
	SessionID    string                        `json:"session_id,omitempty" jsonschema:"Remediation session identifier"`
	Status       string                        `json:"status,omitempty" jsonschema:"Session status"`
	Branch       string                        `json:"branch,omitempty" jsonschema:"Remediation branch"`
	UpdatedAt    string                        `json:"updated_at,omitempty" jsonschema:"Last checkpoint time (RFC 3339)"`
	Categories   []remediation.CategoryStatus  `json:"categories,omitempty" jsonschema:"Per-category progress"`
	Emergencies  []remediation.EmergencyStatus `json:"emergencies,omitempty" jsonschema:"Emergency ledger"`
	Residual     int                           `json:"residual" jsonschema:"Confirmed findings not yet remediated"`
	Suppressions int                           `json:"suppressions" jsonschema:"Active suppressions"`
	Counts       map[string]int                `json:"counts,omitempty" jsonschema:"Findings by status"`
}

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Regex or substring matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Restrict to one category (audit, status, search)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results (default 5)"`
}

type toolSearchOutput struct {
	Query   string          `json:"query"`
	Results []*SearchResult `json:"results,omitempty"`
	Count   int             `json:"count"`
}

var toolCatalog = []*ToolMetadata{
	{
		Name:        "audit",
		Description: "Scan the project for secrets and policy violations and return a redacted report",
		Category:    CategoryAudit,
		Keywords:    []string{"scan", "secrets", "violations", "leak"},
	},
	{
		Name:        "session_status",
		Description: "Show the project's remediation session: categories, emergencies and residual findings",
		Category:    CategoryStatus,
		Keywords:    []string{"remediation", "progress", "emergency"},
	},
	{
		Name:        "tool_search",
		Description: "Search the available tools by name, description or keyword",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "find"},
	},
}

func (s *Server) registerTools() error {
	for _, tool := range toolCatalog {
		if err := s.registry.Register(tool); err != nil {
			return err
		}
	}

	mcp.AddTool(s.mcp, s.tool("audit"), s.handleAudit)
	mcp.AddTool(s.mcp, s.tool("session_status"), s.handleStatus)
	mcp.AddTool(s.mcp, s.tool("tool_search"), s.handleToolSearch)
	return nil
}

func (s *Server) tool(name string) *mcp.Tool {
	meta, _ := s.registry.Get(name)
	return &mcp.Tool{Name: meta.Name, Description: meta.Description}
}

func (s *Server) handleAudit(ctx context.Context, _ *mcp.CallToolRequest, args auditInput) (_ *mcp.CallToolResult, _ auditOutput, err error) {
	done := s.metrics.Track(ctx, "audit")
	defer func() { done(err) }()

	report, err := s.auditor.Run(ctx, args.Paths)
	if err != nil {
		s.logger.Warn("audit tool failed", zap.Error(err))
		return nil, auditOutput{}, fmt.Errorf("audit failed: %w", err)
	}

	out := auditOutput{
		ProjectID:    report.ProjectID,
		Summary:      report.Summary(),
		FilesScanned: report.FilesScanned,
		Open:         len(report.Open()),
		Emergency:    report.HasEmergency(),
		Persisted:    report.Persisted,
		Findings:     report.Findings,
		ScanErrors:   report.ScanErrors,
	}
	return textResult(out.Summary), out, nil
}

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, _ statusInput) (_ *mcp.CallToolResult, _ statusOutput, err error) {
	done := s.metrics.Track(ctx, "session_status")
	defer func() { done(err) }()

	r, err := remediation.LoadStatus(ctx, s.store, s.projectID)
	if errors.Is(err, store.ErrNotFound) {
		out := statusOutput{ProjectID: s.projectID}
		return textResult("no audit or session recorded for " + s.projectID), out, nil
	}
	if err != nil {
		return nil, statusOutput{}, err
	}

	out := statusOutput{
		ProjectID:    r.ProjectID,
		Active:       r.SessionID != "",
		SessionID:    r.SessionID,
		Status:       string(r.Status),
		Branch:       r.Branch,
		Categories:   r.Categories,
		Emergencies:  r.Emergencies,
		Residual:     len(r.Residual),
		Suppressions: r.Suppressions,
		Counts:       r.Counts,
	}
	if !r.UpdatedAt.IsZero() {
		out.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return textResult(r.String()), out, nil
}

func (s *Server) handleToolSearch(ctx context.Context, _ *mcp.CallToolRequest, args toolSearchInput) (_ *mcp.CallToolResult, _ toolSearchOutput, err error) {
	done := s.metrics.Track(ctx, "tool_search")
	defer func() { done(err) }()

	if args.Query == "" {
		return nil, toolSearchOutput{}, errors.New("query is required")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 5
	}

	var results []*SearchResult
	if args.Category != "" {
		results = s.registry.SearchByCategory(args.Query, ToolCategory(args.Category))
	} else {
		results = s.registry.Search(args.Query)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return nil, toolSearchOutput{Query: args.Query, Results: results, Count: len(results)}, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}
