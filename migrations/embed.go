// Package migrations embeds the Postgres schema.
package migrations

import "embed"

// FS holds the *.up.sql and *.down.sql files applied by giftctl migrate.
//
//go:embed *.sql
var FS embed.FS
