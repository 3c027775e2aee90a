package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/warden/internal/config"
	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/service"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue bearer tokens for the system API",
		Long: `Issue signed identity tokens accepted by the system API. In production these
are minted by your identity provider with the same secret; this command is for
operators and automation.`,
	}

	cmd.AddCommand(newTokenIssueCmd())

	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		subject     string
		orgID       string
		superuser   bool
		permissions []string
		ttl         time.Duration
		dev         bool
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token",
		Example: `  warden token issue --subject ops --superuser
  warden token issue --subject alice --org 0192... --permission api_keys:read --permission api_keys:write`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := model.ParseCapabilitySet(permissions)
			if err != nil {
				return err
			}
			for c := range set {
				if !model.InCatalog(c) {
					return fmt.Errorf("unknown permission %q", c.String())
				}
			}
			return runTokenIssue(model.Identity{
				Subject:        subject,
				OrganizationID: orgID,
				IsSuperuser:    superuser,
				Permissions:    set,
				IsActive:       true,
			}, ttl, dev)
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (required)")
	cmd.Flags().StringVar(&orgID, "org", "", "Organization the identity belongs to")
	cmd.Flags().BoolVar(&superuser, "superuser", false, "Grant superuser access")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "Permission to grant, as resource:action (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: auth.jwt_expiry)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Sign with the development secret when auth.jwt_secret is unset")
	cmd.MarkFlagRequired("subject")

	return cmd
}

func runTokenIssue(identity model.Identity, ttl time.Duration, dev bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	secret, _, err := jwtSecret(cfg, dev)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = config.ParseDuration(cfg.Auth.JWTExpiry, time.Hour)
	}

	verifier := service.NewIdentityVerifier(secret)
	token, err := verifier.IssueToken(context.Background(), identity, ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Println(token)
	return nil
}
