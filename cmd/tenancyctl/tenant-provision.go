package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/V4T54L/tenancy/internal/bootstrap"
	"github.com/V4T54L/tenancy/internal/domain"
)

// tenantProvisionCmd represents the tenant provision command
var tenantProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Register a tenant and run its provisioning pipeline",
	Long: `Register a tenant and run its provisioning pipeline.

The tenant database is created, migrated and seeded, then the tenant is
activated. If a step fails the tenant stays inactive and the command prints
the step and checkpoint; "tenancyctl tenant retry" resumes from there.

Example:
  tenancyctl tenant provision --id acme --name "Acme" --key acme.example.com
  tenancyctl tenant provision --name "Globex" --key globex.example.com --profile eu`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		req := domain.CreateTenantRequest{}
		req.ID, _ = flags.GetString("id")
		req.Name, _ = flags.GetString("name")
		req.ResolutionKeys, _ = flags.GetStringSlice("key")
		req.Database, _ = flags.GetString("database")
		req.ProfileName, _ = flags.GetString("profile")
		if ttl, _ := flags.GetDuration("expires-in"); ttl > 0 {
			at := time.Now().Add(ttl).UTC()
			req.ExpiresAt = &at
		}

		err := withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
			t, rec, err := svc.Admin.Create(ctx, req)
			if t != nil || rec != nil {
				printJSON(map[string]any{"tenant": t, "provisioning": rec})
			}
			return err
		})
		if errors.Is(err, domain.ErrProvisioningStepFailed) {
			fmt.Fprintf(os.Stderr, "Provisioning incomplete: %v\nRun 'tenancyctl tenant retry' to resume.\n", err)
			os.Exit(2)
		}
		if err != nil {
			fatalf("Failed to provision tenant: %v", err)
		}
	},
}

func init() {
	tenantCmd.AddCommand(tenantProvisionCmd)
	flags := tenantProvisionCmd.Flags()
	flags.String("id", "", "Tenant id (default: generated UUID)")
	flags.String("name", "", "Tenant display name")
	flags.StringSlice("key", nil, "Resolution key: domain, subdomain label or path prefix (repeatable)")
	flags.String("database", "", "Tenant database name (default: derived from the id)")
	flags.String("profile", "", "Named credential profile to connect with")
	flags.Duration("expires-in", 0, "Stop routing to the tenant after this long")
	_ = tenantProvisionCmd.MarkFlagRequired("name")
	_ = tenantProvisionCmd.MarkFlagRequired("key")
}
