package db

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SkipLocked makes a write-intent lock non-blocking: rows already locked by a
// concurrent transaction are skipped instead of waited on.
const SkipLocked = "SKIP LOCKED"

// ForUpdate applies a SELECT ... FOR UPDATE row lock on dialects that support
// row-level locking. SQLite rejects the FOR UPDATE syntax and its single-writer
// model already serializes these paths, so the clause is omitted there.
func ForUpdate(tx *gorm.DB, options string) *gorm.DB {
	if !SupportsRowLocking(tx) {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: options})
}

// SupportsRowLocking reports whether the connected dialect understands
// FOR UPDATE / SKIP LOCKED clauses.
func SupportsRowLocking(tx *gorm.DB) bool {
	switch tx.Dialector.Name() {
	case "mysql", "postgres":
		return true
	default:
		return false
	}
}
