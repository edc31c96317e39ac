// Package migrations embeds the agent-side SQL migration files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
