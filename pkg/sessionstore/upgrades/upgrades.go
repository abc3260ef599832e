// Copyright 2024-2026 Aiku AI

// Package upgrades contains the schema migrations of the session store.
package upgrades

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

// Table is the upgrade table applied by sessionstore.SQLStore.Upgrade.
var Table dbutil.UpgradeTable

//go:embed *.sql
var rawUpgrades embed.FS

func init() {
	Table.RegisterFS(rawUpgrades)
}
