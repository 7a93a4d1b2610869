// Package migrations embeds the chatd schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
