package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/V4T54L/tenancy/internal/bootstrap"
)

// keysRotateCmd represents the keys rotate command
var keysRotateCmd = &cobra.Command{
	Use:   "rotate <old-key-id> <new-key-id>",
	Short: "Re-encrypt stored credentials under a new key",
	Long: `Re-encrypt stored credentials under a new key.

Every stored credential sealed with the old key, or still stored in plaintext,
is re-encrypted with the new key. Progress is journaled after each record, so
an interrupted rotation resumes where it stopped when the command is run
again with the same keys. Both keys must be present in ENCRYPTION_KEYS.

Example:
  tenancyctl keys rotate k1 k2`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		err := withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
			report, err := svc.Store.RotateKey(ctx, args[0], args[1])
			printJSON(report)
			return err
		})
		if err != nil {
			fatalf("Key rotation failed: %v", err)
		}
	},
}

func init() {
	keysCmd.AddCommand(keysRotateCmd)
}
