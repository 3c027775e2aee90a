package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/warden/internal/config"
	"github.com/faucetdb/warden/internal/handler"
	"github.com/faucetdb/warden/internal/mcp"
	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/ratelimit"
	"github.com/faucetdb/warden/internal/server"
	"github.com/faucetdb/warden/internal/service"
)

const banner = `
__      ____ _ _ __ __| | ___ _ __
\ \ /\ / / _' | '__/ _' |/ _ \ '_ \
 \ V  V / (_| | | | (_| |  __/ | | |
  \_/\_/ \__,_|_|  \__,_|\___|_| |_|
`

func newServeCmd() *cobra.Command {
	var (
		port  int
		host  string
		noMCP bool
		dev   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Warden API server",
		Long:  "Start the HTTP server that exposes the system API, key-authenticated integrations and the MCP endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(noMCP, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "Disable the MCP endpoint")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, built-in JWT secret when none is set)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(noMCP, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dev {
		cfg.Logging.Level = "debug"
	}
	logger := newLogger(cfg.Logging, os.Stderr)
	secret, fallback, err := jwtSecret(cfg, dev)
	if err != nil {
		return err
	}
	if fallback {
		logger.Warn("auth.jwt_secret is not set; using the development secret")
	}

	// 1. Key store
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("init key store: %w", err)
	}
	defer store.Close()
	logger.Info("key store initialized", "dialect", store.Dialect())

	// 2. Breakers, audit and services
	breakers := newBreakers(cfg, logger)
	sink := newAuditSink(cfg, store, breakers, logger)
	keys := newKeyService(cfg, store, sink, logger)
	guard := service.NewGuard()
	verifier := service.NewIdentityVerifier(secret)

	limiter, err := ratelimit.New(ratelimit.Config{
		Backend:   cfg.RateLimit.Backend,
		Window:    config.ParseDuration(cfg.RateLimit.Window, ratelimit.DefaultWindow),
		RedisAddr: cfg.RateLimit.RedisAddr,
	}, breakers, logger)
	if err != nil {
		keys.Close()
		return fmt.Errorf("init rate limiter: %w", err)
	}
	logger.Info("rate limiter initialized", "backend", cfg.RateLimit.Backend)

	// 3. Integrations
	integrations, err := handler.NewIntegrationHandler(integrationTargets(cfg), breakers, logger)
	if err != nil {
		keys.Close()
		limiter.Close()
		return fmt.Errorf("init integrations: %w", err)
	}

	deps := server.Deps{
		Store:        store,
		Keys:         keys,
		Verifier:     verifier,
		Guard:        guard,
		Limiter:      limiter,
		Breakers:     breakers,
		Audit:        sink,
		Integrations: integrations,
	}
	if !noMCP {
		deps.MCP = mcp.NewMCPServer(mcp.Options{
			Store:    store,
			Keys:     keys,
			Guard:    guard,
			Breakers: breakers,
			Audit:    sink,
			Operator: model.Identity{Subject: "mcp", IsSuperuser: true, IsActive: true},
			Version:  versionString(),
			Logger:   logger,
		})
	}

	// 4. HTTP server
	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	srvCfg.ShutdownTimeout = config.ParseDuration(cfg.Server.ShutdownTimeout, 30*time.Second)
	srvCfg.CORSOrigins = cfg.Server.CORS.Origins
	srvCfg.APIKeyHeader = cfg.Auth.APIKeyHeader
	srvCfg.IPRequestsPerMinute = cfg.RateLimit.IPRequestsPerMinute
	srvCfg.Version = versionString()

	srv := server.New(srvCfg, deps, logger)

	fmt.Printf("→ Warden %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", srvCfg.Host, srvCfg.Port)
	if deps.MCP != nil {
		fmt.Printf("→ MCP:        http://%s:%d/api/v1/system/mcp\n", srvCfg.Host, srvCfg.Port)
	}
	fmt.Printf("→ Integrations: %d\n", len(integrations.Services()))
	fmt.Println()

	return srv.ListenAndServe()
}
