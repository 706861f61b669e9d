package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/V4T54L/tenancy/internal/bootstrap"
)

// keysStatusCmd represents the keys status command
var keysStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the configured keys and whether rotation is due",
	Run: func(cmd *cobra.Command, args []string) {
		err := withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
			status := map[string]any{
				"encryption_enabled": svc.Config.Encryption.Enabled,
				"rotation_due":       svc.Store.RotationDue(time.Now()),
				"max_age_days":       svc.Config.Encryption.KeyRotationDays,
			}
			if svc.Keyring != nil {
				status["active_key"] = svc.Keyring.ActiveID()
				status["keys"] = svc.Keyring.IDs()
			}
			printJSON(status)
			return nil
		})
		if err != nil {
			fatalf("Failed to get key status: %v", err)
		}
	},
}

func init() {
	keysCmd.AddCommand(keysStatusCmd)
}
