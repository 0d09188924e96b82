package db

import (
	"coin_ledger/internal/domain" // Ledger models

	"gorm.io/gorm" // GORM ORM library
)

// Models lists every table owned by the ledger, in dependency order
func Models() []any {
	return []any{
		&domain.User{},
		&domain.Wallet{},
		&domain.Transaction{},
		&domain.Supply{},
		&domain.MintProposal{},
		&domain.MintApproval{},
		&domain.AuditLogEntry{},
	}
}

// Migrate creates or updates the schema for all ledger tables
func Migrate(db *gorm.DB) error {
	// AutoMigrate will create tables, missing foreign keys, constraints, columns and indexes
	return db.AutoMigrate(Models()...)
}
