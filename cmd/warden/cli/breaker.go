package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/warden/internal/circuitbreaker"
)

func newBreakerCmd() *cobra.Command {
	var (
		serverURL string
		token     string
	)

	cmd := &cobra.Command{
		Use:     "breaker",
		Aliases: []string{"breakers"},
		Short:   "Inspect and reset circuit breakers of a running server",
		Long: `Breaker state lives in the server process. These commands call the system API
and need a superuser token (--token or WARDEN_TOKEN).`,
	}

	cmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server base URL (default: configured listen address)")
	cmd.PersistentFlags().StringVar(&token, "token", "", "Superuser bearer token")

	cmd.AddCommand(newBreakerListCmd(&serverURL, &token))
	cmd.AddCommand(newBreakerResetCmd(&serverURL, &token))

	return cmd
}

// ---------- breaker list ----------

func newBreakerListCmd(serverURL, token *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List circuit breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(*serverURL, *token)
			if err != nil {
				return err
			}
			return runBreakerList(client, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runBreakerList(client *apiClient, jsonOutput bool) error {
	var resp struct {
		Resource []circuitbreaker.Stats `json:"resource"`
	}
	if err := client.do("GET", "/api/v1/system/circuit-breaker", &resp); err != nil {
		return fmt.Errorf("list circuit breakers: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, resp.Resource)
	}

	if len(resp.Resource) == 0 {
		fmt.Println("No circuit breakers tracked yet.")
		return nil
	}

	fmt.Printf("%-24s %-10s %-9s %-9s %-20s\n", "SERVICE", "STATE", "FAILURES", "THRESHOLD", "LAST FAILURE")
	fmt.Printf("%-24s %-10s %-9s %-9s %-20s\n", "-------", "-----", "--------", "---------", "------------")
	for _, s := range resp.Resource {
		last := "-"
		if s.LastFailureAt != nil {
			last = s.LastFailureAt.Local().Format(time.DateTime)
		}
		fmt.Printf("%-24s %-10s %-9d %-9d %-20s\n", truncate(s.Service, 24), s.State, s.FailureCount, s.Threshold, last)
	}
	return nil
}

// ---------- breaker reset ----------

func newBreakerResetCmd(serverURL, token *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Force every circuit breaker closed",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(*serverURL, *token)
			if err != nil {
				return err
			}
			var resp struct {
				Reset int `json:"reset"`
			}
			if err := client.do("POST", "/api/v1/system/circuit-breaker/reset", &resp); err != nil {
				return fmt.Errorf("reset circuit breakers: %w", err)
			}
			fmt.Printf("Reset %d circuit breaker(s)\n", resp.Reset)
			return nil
		},
	}
}
