package migrations

import "embed"

//go:embed audit/*.sql
var AuditFS embed.FS
