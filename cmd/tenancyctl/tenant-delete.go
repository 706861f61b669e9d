package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/V4T54L/tenancy/internal/bootstrap"
)

// tenantDeleteCmd represents the tenant delete command
var tenantDeleteCmd = &cobra.Command{
	Use:   "delete <tenant-id>",
	Short: "Soft-delete a tenant",
	Long: `Soft-delete a tenant.

The tenant stops resolving immediately and its cached resolutions and pooled
connections are dropped. The tenant database itself is left in place.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
			return svc.Admin.Delete(ctx, args[0])
		})
		if err != nil {
			fatalf("Failed to delete tenant: %v", err)
		}
		fmt.Printf("Deleted tenant '%s'\n", args[0])
	},
}

func init() {
	tenantCmd.AddCommand(tenantDeleteCmd)
}
