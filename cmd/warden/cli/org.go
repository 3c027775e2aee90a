package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/faucetdb/warden/internal/model"
)

func newOrgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "org",
		Aliases: []string{"organization"},
		Short:   "Manage organizations",
		Long:    "Create and list the organizations that own API keys.",
	}

	cmd.AddCommand(newOrgCreateCmd())
	cmd.AddCommand(newOrgListCmd())

	return cmd
}

// ---------- org create ----------

func newOrgCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "create <name>",
		Short:   "Create an organization",
		Example: `  warden org create acme`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrgCreate(args[0])
		},
	}
}

func runOrgCreate(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > 100 {
		return fmt.Errorf("organization name must be 1 to 100 characters")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()

	org := &model.Organization{Name: name, IsActive: true}
	if err := store.CreateOrganization(context.Background(), org); err != nil {
		return fmt.Errorf("create organization: %w", err)
	}

	fmt.Printf("Organization %q created\n", org.Name)
	fmt.Printf("  ID: %s\n", org.ID)
	return nil
}

// ---------- org list ----------

func newOrgListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrgList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runOrgList(jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()

	orgs, err := store.ListOrganizations(context.Background())
	if err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, orgs)
	}

	if len(orgs) == 0 {
		fmt.Println("No organizations found. Use 'warden org create' to create one.")
		return nil
	}

	fmt.Printf("%-36s %-32s %-8s\n", "ID", "NAME", "ACTIVE")
	fmt.Printf("%-36s %-32s %-8s\n", "--", "----", "------")
	for _, o := range orgs {
		active := "yes"
		if !o.IsActive {
			active = "no"
		}
		fmt.Printf("%-36s %-32s %-8s\n", o.ID, truncate(o.Name, 32), active)
	}
	return nil
}
