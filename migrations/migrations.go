package migrations

import "embed"

// FS встроенные SQL-миграции для golang-migrate (драйвер iofs)
//
//go:embed *.sql
var FS embed.FS

const Version = 1
