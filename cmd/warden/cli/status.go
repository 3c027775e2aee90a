package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check if the Warden server is ready",
		Long:  "Query the readiness endpoint of a running server and print each check.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL, "")
			if err != nil {
				return err
			}
			return runStatus(client)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Server base URL (default: configured listen address)")

	return cmd
}

func runStatus(client *apiClient) error {
	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := client.do("GET", "/readyz", &resp); err != nil {
		fmt.Printf("Server at %s is not ready: %v\n", client.baseURL, err)
		return nil
	}

	fmt.Printf("Server at %s is %s\n", client.baseURL, resp.Status)
	names := make([]string, 0, len(resp.Checks))
	for name := range resp.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-32s %s\n", name, resp.Checks[name])
	}
	return nil
}
