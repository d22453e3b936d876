package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"recurbill/internal/errors"
)

// backedUpTables are compared row for row after a backup.
var backedUpTables = []string{
	"clients",
	"recurring_jobs",
	"occurrences",
	"work_sessions",
	"invoices",
}

// Backup writes a consistent copy of the database to backupPath using
// VACUUM INTO, then verifies it. backupPath must not exist yet.
func (s *SQLiteStorage) Backup(ctx context.Context, backupPath string) error {
	if backupPath == "" {
		return errors.NewValidationf("backup path cannot be empty")
	}
	if _, err := os.Stat(backupPath); err == nil {
		return errors.NewValidationf("backup file %s already exists", backupPath)
	}

	// Ensure backup directory exists
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return errors.Wrap(err, "create backup directory")
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, backupPath); err != nil {
		return errors.WrapPersistence(err, "vacuum into backup")
	}

	if err := s.verifyBackup(ctx, backupPath); err != nil {
		// If verification fails, try to remove the corrupted backup
		os.Remove(backupPath)
		return errors.Wrap(err, "backup verification failed")
	}

	return nil
}

// verifyBackup checks the backup passes an integrity check and holds the same
// number of rows as the source for every table.
func (s *SQLiteStorage) verifyBackup(ctx context.Context, backupPath string) error {
	backupDB, err := sql.Open("sqlite3", backupPath)
	if err != nil {
		return errors.WrapPersistence(err, "open backup database")
	}
	defer backupDB.Close()

	var integrity string
	if err := backupDB.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&integrity); err != nil {
		return errors.WrapPersistence(err, "integrity check")
	}
	if integrity != "ok" {
		return errors.Newf("integrity check reported %q", integrity)
	}

	for _, table := range backedUpTables {
		sourceCount, err := countRows(ctx, s.db, table)
		if err != nil {
			return errors.Wrapf(err, "source count for table %s", table)
		}
		backupCount, err := countRows(ctx, backupDB, table)
		if err != nil {
			return errors.Wrapf(err, "backup count for table %s", table)
		}
		if sourceCount != backupCount {
			return errors.Newf("row count mismatch for table %s: source=%d, backup=%d",
				table, sourceCount, backupCount)
		}
	}

	return nil
}

// countRows is only called with names from backedUpTables.
func countRows(ctx context.Context, db *sql.DB, table string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, errors.WrapPersistence(err, "count rows")
}
