// Package db embeds the SQL migrations applied at startup.
package db

import "embed"

// Migrations holds migrations/NNN_name.sql files, applied in lexical order.
// Every statement must be idempotent.
//
//go:embed migrations/*.sql
var Migrations embed.FS
