package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/audit"
	"github.com/fyrsmithlabs/guardrail/internal/store"
)

// Auditor runs a scan of the served project.
type Auditor interface {
	Run(ctx context.Context, paths []string) (*audit.Report, error)
}

// Server exposes one project's audit and session status to MCP clients.
type Server struct {
	mcp       *mcp.Server
	auditor   Auditor
	store     store.Store
	projectID string
	registry  *ToolRegistry
	metrics   *Metrics
	logger    *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name reported to clients.
	Name string

	Version string

	// ProjectID is the sanitized id of the project being served.
	ProjectID string

	Logger *zap.Logger
}

// DefaultConfig returns defaults for everything but ProjectID.
func DefaultConfig() *Config {
	return &Config{
		Name:    "guardrail",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a server and registers its tools.
func NewServer(cfg *Config, auditor Auditor, st store.Store) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	if auditor == nil {
		return nil, errors.New("auditor is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name, version := cfg.Name, cfg.Version
	if name == "" {
		name = "guardrail"
	}
	if version == "" {
		version = "dev"
	}

	s := &Server{
		mcp:       mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		auditor:   auditor,
		store:     st,
		projectID: cfg.ProjectID,
		registry:  NewToolRegistry(),
		metrics:   NewMetrics(logger),
		logger:    logger.With(zap.String("project.id", cfg.ProjectID)),
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Registry returns the tool metadata registry.
func (s *Server) Registry() *ToolRegistry {
	return s.registry
}

// Run serves on stdin/stdout until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
