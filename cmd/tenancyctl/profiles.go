package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/V4T54L/tenancy/internal/pkg/config"
)

// profilesCmd represents the profiles command
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect named credential profiles",
}

var profilesCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a credential profiles file",
	Long: `Validate a credential profiles file.

Unset fields inherit from the TENANT_DB_* defaults exactly as they do at
runtime. Passwords are never printed. With no argument the file named by
TENANT_DB_PROFILES_FILE is checked.

Example:
  tenancyctl profiles check /etc/tenancy/profiles.yaml`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		path := cfg.Database.ProfilesFile
		if len(args) > 0 {
			path = args[0]
		}
		if path == "" {
			fatalf("No profiles file given and TENANT_DB_PROFILES_FILE is not set")
		}

		profiles, err := config.LoadProfiles(path, cfg.DefaultProfile())
		if err != nil {
			fatalf("Invalid profiles file: %v", err)
		}
		for _, name := range slices.Sorted(maps.Keys(profiles)) {
			fmt.Printf("%s\t%s\n", name, profiles[name])
		}
	},
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesCheckCmd)
}
