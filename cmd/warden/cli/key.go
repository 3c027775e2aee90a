package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/faucetdb/warden/internal/circuitbreaker"
	"github.com/faucetdb/warden/internal/config"
	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, verify and revoke organization-scoped API keys.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyVerifyCmd())

	return cmd
}

// keyEnv is the store and key service opened for a single CLI command.
type keyEnv struct {
	store *config.Store
	keys  *service.APIKeyService
}

func openKeyEnv() (*keyEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(config.LoggingConfig{Level: "warn"}, os.Stderr)

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	// Webhook delivery is left to the server; CLI changes are audited to
	// the store and the log.
	cfg.Audit.WebhookURL = ""
	sink := newAuditSink(cfg, store, circuitbreaker.NewRegistry(circuitbreaker.RegistryConfig{}, logger), logger)
	return &keyEnv{store: store, keys: newKeyService(cfg, store, sink, logger)}, nil
}

func (e *keyEnv) Close() {
	e.keys.Close()
	e.store.Close()
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		orgID       string
		name        string
		description string
		permissions []string
		rateLimit   int
		expiresIn   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key in an organization. The raw key is shown once and cannot be retrieved again.",
		Example: `  warden key create --org 0192... --name "CI pipeline" --permission integrations:call
  warden key create --org 0192... --name reporting --rate-limit 60 --expires-in 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.CreateAPIKeyRequest{
				Name:           name,
				OrganizationID: orgID,
				Permissions:    permissions,
			}
			if cmd.Flags().Changed("description") {
				req.Description = &description
			}
			if cmd.Flags().Changed("rate-limit") {
				req.RateLimit = &rateLimit
			}
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn).UTC()
				req.ExpiresAt = &at
			}
			return runKeyCreate(req)
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID (required)")
	cmd.Flags().StringVar(&name, "name", "", "Key name (required)")
	cmd.Flags().StringVar(&description, "description", "", "Key description")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "Permission to grant, as resource:action (repeatable)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", model.DefaultRateLimit, "Requests allowed per rate window")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Key lifetime, e.g. 720h (default: never expires)")
	cmd.MarkFlagRequired("org")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(req service.CreateAPIKeyRequest) error {
	env, err := openKeyEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	key, secret, err := env.keys.Create(context.Background(), req, cliIdentity)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Key:          %s\n", secret)
	fmt.Printf("  ID:           %s\n", key.ID)
	fmt.Printf("  Organization: %s\n", key.OrganizationID)
	fmt.Printf("  Rate limit:   %d\n", key.RateLimit)
	if len(key.Permissions) > 0 {
		fmt.Printf("  Permissions:  %s\n", strings.Join(key.Permissions, ", "))
	}
	if key.ExpiresAt != nil {
		fmt.Printf("  Expires:      %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		orgID      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(orgID, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "Only list keys of this organization")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(orgID string, jsonOutput bool) error {
	env, err := openKeyEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	keys, err := env.keys.List(context.Background(), orgID)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, keys)
	}

	if len(keys) == 0 {
		fmt.Println("No API keys found. Use 'warden key create' to create one.")
		return nil
	}

	fmt.Printf("%-36s %-14s %-24s %-8s %-8s\n", "ID", "PREFIX", "NAME", "LIMIT", "ACTIVE")
	fmt.Printf("%-36s %-14s %-24s %-8s %-8s\n", "--", "------", "----", "-----", "------")
	for _, k := range keys {
		active := "yes"
		if !k.IsActive {
			active = "no"
		}
		fmt.Printf("%-36s %-14s %-24s %-8d %-8s\n", k.ID, k.KeyPrefix, truncate(k.Name, 24), k.RateLimit, active)
	}

	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key by its ID",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}
}

func runKeyRevoke(id string) error {
	env, err := openKeyEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.keys.Revoke(context.Background(), id, cliIdentity); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key %s\n", id)
	return nil
}

// ---------- key verify ----------

func newKeyVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [key]",
		Short: "Check whether an API key is accepted",
		Long:  "Validate a raw API key against the key store. The key is prompted for when omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := ""
			if len(args) > 0 {
				secret = args[0]
			} else {
				fmt.Print("API key: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read api key: %w", err)
				}
				secret = strings.TrimSpace(string(raw))
			}
			return runKeyVerify(secret)
		},
	}
}

func runKeyVerify(secret string) error {
	env, err := openKeyEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	key, err := env.keys.Validate(context.Background(), secret)
	if err != nil {
		return fmt.Errorf("key rejected: %w", err)
	}

	fmt.Println("API key is valid:")
	fmt.Printf("  ID:           %s\n", key.ID)
	fmt.Printf("  Name:         %s\n", key.Name)
	fmt.Printf("  Organization: %s\n", key.OrganizationID)
	fmt.Printf("  Rate limit:   %d\n", key.RateLimit)
	return nil
}
