package main

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/V4T54L/tenancy/internal/adapter/cipher"
)

// keysGenerateCmd represents the keys generate command
var keysGenerateCmd = &cobra.Command{
	Use:   "generate <key-id>",
	Short: "Generate a credential encryption key",
	Long: `
Generate a credential encryption key

Prints a key spec of the form id:base64key:YYYY-MM-DD holding a new random
256 bit key. Append it to ENCRYPTION_KEYS, then make it active with
ENCRYPTION_ACTIVE_KEY and run "tenancyctl keys rotate".

Example:

$ export ENCRYPTION_KEYS="$ENCRYPTION_KEYS,$(tenancyctl keys generate k2)"
`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		raw, err := cipher.RandomBytes(32)
		if err != nil {
			fatalf("Failed to generate key: %v", err)
		}
		// Round-trip through NewKey so an unusable id is rejected here.
		if _, err := cipher.NewKey(args[0], raw, time.Now()); err != nil {
			fatalf("Invalid key: %v", err)
		}
		fmt.Printf("%s:%s:%s", args[0], base64.StdEncoding.Strict().EncodeToString(raw), time.Now().UTC().Format(time.DateOnly))
	},
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
}
