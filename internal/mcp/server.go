package mcp

import (
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/warden/internal/circuitbreaker"
	"github.com/faucetdb/warden/internal/handler"
	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/service"
)

// MCPServer wraps the mcp-go server with Warden's administration tools:
// listing, inspecting and revoking API keys and managing circuit breakers.
type MCPServer struct {
	store    handler.SystemStore
	keys     *service.APIKeyService
	guard    *service.Guard
	breakers *circuitbreaker.Registry
	audit    service.AuditSink
	operator model.Identity
	logger   *slog.Logger
	server   *server.MCPServer
}

// Options configures an MCPServer.
type Options struct {
	Store    handler.SystemStore
	Keys     *service.APIKeyService
	Guard    *service.Guard
	Breakers *circuitbreaker.Registry
	Audit    service.AuditSink // may be nil

	// Operator is the identity tools act as when the request context
	// carries none, as in stdio mode.
	Operator model.Identity

	Version string
	Logger  *slog.Logger
}

// NewMCPServer creates an MCPServer with all Warden tools and resources
// registered. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(opts Options) *MCPServer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &MCPServer{
		store:    opts.Store,
		keys:     opts.Keys,
		guard:    opts.Guard,
		breakers: opts.Breakers,
		audit:    opts.Audit,
		operator: opts.Operator,
		logger:   opts.Logger,
	}

	mcpServer := server.NewMCPServer(
		"Warden",
		opts.Version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode", "operator", s.operator.Subject)
	return server.ServeStdio(s.server)
}

// ServeHTTP starts a standalone Streamable HTTP listener on addr.
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

// Handler returns a Streamable HTTP handler for mounting on an existing
// router. Tool calls act as the identity the router's auth middleware
// attached to the request.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation(destructive bool) mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(destructive),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
