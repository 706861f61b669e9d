// Command tenancyctl is the operator CLI for the tenancy service.
//
// It talks to the landlord database directly and builds the same services as
// tenancyd, so it needs the same environment (LANDLORD_DATABASE_URL,
// ENCRYPTION_KEYS, ENCRYPTION_ACTIVE_KEY and the TENANT_DB_* defaults).
//
//	# Generate an encryption key spec
//	tenancyctl keys generate k2
//
//	# Create or upgrade the landlord schema
//	tenancyctl migrate up
//
//	# Provision a tenant
//	tenancyctl tenant provision --id acme --name "Acme" --key acme.example.com
//
//	# Re-encrypt stored credentials under a new key
//	tenancyctl keys rotate k1 k2
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/V4T54L/tenancy/internal/bootstrap"
	"github.com/V4T54L/tenancy/internal/pkg/config"
	"github.com/V4T54L/tenancy/internal/pkg/logger"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tenancyctl",
	Short: "Operate tenants, credentials and the landlord schema",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// commandLogger writes to stderr so stdout stays machine readable.
func commandLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return logger.NewWithWriter(os.Stderr, level)
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fatalf("Invalid configuration: %v", err)
	}
	return cfg
}

// withServices builds the service graph, runs fn and tears everything down.
func withServices(cmd *cobra.Command, fn func(ctx context.Context, svc *bootstrap.Services) error) error {
	cfg := loadConfig()
	svc, err := bootstrap.Build(cmd.Context(), cfg, commandLogger(cmd), prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(cmd.Context(), svc)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("Failed to encode output: %v", err)
	}
	fmt.Println(string(out))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
