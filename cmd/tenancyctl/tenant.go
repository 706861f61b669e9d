package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/V4T54L/tenancy/internal/domain"
)

// tenantCmd represents the tenant command
var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Provision and manage tenants",
}

func init() {
	rootCmd.AddCommand(tenantCmd)
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, domain.ErrRecordNotFound) || errors.Is(err, domain.ErrTenantNotFound)
}
