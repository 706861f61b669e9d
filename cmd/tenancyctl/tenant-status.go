package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/V4T54L/tenancy/internal/bootstrap"
	"github.com/V4T54L/tenancy/internal/domain"
)

// tenantStatusCmd represents the tenant status command
var tenantStatusCmd = &cobra.Command{
	Use:   "status <tenant-id>",
	Short: "Show a tenant and its provisioning state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
			t, err := svc.Admin.Get(ctx, args[0])
			if err != nil {
				return err
			}
			rec, err := svc.Admin.Status(ctx, args[0])
			if err != nil && !errorsIsNotFound(err) {
				return err
			}
			printJSON(map[string]any{"tenant": t, "provisioning": rec})
			return nil
		})
		if err != nil {
			fatalf("Failed to get tenant status: %v", err)
		}
	},
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	Run: func(cmd *cobra.Command, args []string) {
		filter := domain.TenantFilter{}
		filter.IncludeInactive, _ = cmd.Flags().GetBool("inactive")
		filter.IncludeDeleted, _ = cmd.Flags().GetBool("deleted")
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		err := withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
			tenants, err := svc.Admin.List(ctx, filter)
			if err != nil {
				return err
			}
			if tenants == nil {
				tenants = []domain.Tenant{}
			}
			printJSON(tenants)
			return nil
		})
		if err != nil {
			fatalf("Failed to list tenants: %v", err)
		}
	},
}

func init() {
	tenantCmd.AddCommand(tenantStatusCmd)
	tenantCmd.AddCommand(tenantListCmd)
	tenantListCmd.Flags().Bool("inactive", false, "Include inactive tenants")
	tenantListCmd.Flags().Bool("deleted", false, "Include deleted tenants")
	tenantListCmd.Flags().Int("limit", 0, "Maximum number of tenants (0: no limit)")
}
