// Package migrations embeds the landlord schema, the default tenant schema
// and the named tenant seeders.
package migrations

import "embed"

// Landlord holds the landlord database migrations.
//
//go:embed landlord/*.sql
var Landlord embed.FS

// Tenant holds the default schema applied to every tenant database.
//
//go:embed tenant/*.sql
var Tenant embed.FS

// Seeds holds one SQL file per named seeder.
//
//go:embed seeds/*.sql
var Seeds embed.FS
