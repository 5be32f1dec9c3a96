// Package migrations embeds the pending sync item schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
