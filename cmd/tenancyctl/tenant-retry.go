package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/V4T54L/tenancy/internal/bootstrap"
	"github.com/V4T54L/tenancy/internal/domain"
)

// tenantRetryCmd represents the tenant retry command
var tenantRetryCmd = &cobra.Command{
	Use:   "retry <tenant-id>",
	Short: "Resume a failed provisioning pipeline from its checkpoint",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
			rec, err := svc.Admin.Retry(ctx, args[0])
			if rec != nil {
				printJSON(rec)
			}
			return err
		})
		if errors.Is(err, domain.ErrProvisioningStepFailed) {
			fmt.Fprintf(os.Stderr, "Provisioning incomplete: %v\n", err)
			os.Exit(2)
		}
		if err != nil {
			fatalf("Failed to retry provisioning: %v", err)
		}
	},
}

func init() {
	tenantCmd.AddCommand(tenantRetryCmd)
}
