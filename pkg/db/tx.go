package db

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IsSQLite reports whether conn talks to sqlite, which has no row locks.
func IsSQLite(conn *gorm.DB) bool {
	return conn != nil && conn.Dialector != nil && conn.Dialector.Name() == "sqlite"
}

// ForUpdate adds SELECT ... FOR UPDATE where the dialect supports it.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if IsSQLite(tx) {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
