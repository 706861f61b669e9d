package main

import (
	"github.com/spf13/cobra"
)

// keysCmd represents the keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the credential encryption keys",
}

func init() {
	rootCmd.AddCommand(keysCmd)
}
