package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/faucetdb/warden/internal/circuitbreaker"
	wmcp "github.com/faucetdb/warden/internal/mcp"
	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/service"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
		operator  string
		orgID     string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes key and audit
operations as tools for AI agents. Supports stdio (default) and HTTP transports.

Tools run as the operator identity. Without --org the operator is a superuser;
with --org it is limited to that organization's keys and audit trail.

Circuit breakers shown here belong to this process. Use the /api/v1/system/mcp
endpoint of a running server to manage the server's breakers.`,
		Example: `  warden mcp                               # stdio mode
  warden mcp --org 0192... --operator agent  # organization-scoped operator
  warden mcp --transport http --port 3001    # streamable HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := model.Identity{Subject: operator, IsActive: true}
			if orgID == "" {
				identity.IsSuperuser = true
			} else {
				identity.OrganizationID = orgID
				identity.Permissions = model.NewCapabilitySet(
					model.CapReadAPIKeys, model.CapWriteAPIKeys, model.CapReadAudit,
				)
			}
			return runMCP(transport, port, identity)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")
	cmd.Flags().StringVar(&operator, "operator", "mcp", "Subject recorded as the actor of MCP changes")
	cmd.Flags().StringVar(&orgID, "org", "", "Restrict the operator to one organization")

	return cmd
}

func runMCP(transport string, port int, operator model.Identity) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol in stdio mode
	logger := newLogger(cfg.Logging, os.Stderr)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("init key store: %w", err)
	}
	defer store.Close()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.RegistryConfig{}, logger)
	sink := newAuditSink(cfg, store, breakers, logger)
	keys := newKeyService(cfg, store, sink, logger)
	defer keys.Close()

	mcpSrv := wmcp.NewMCPServer(wmcp.Options{
		Store:    store,
		Keys:     keys,
		Guard:    service.NewGuard(),
		Breakers: breakers,
		Audit:    sink,
		Operator: operator,
		Version:  versionString(),
		Logger:   logger,
	})

	switch transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		addr := fmt.Sprintf(":%d", port)
		logger.Info("starting MCP HTTP server", "addr", addr, "operator", operator.Subject)
		return mcpSrv.ServeHTTP(addr)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
