package storage

import (
	"context"
	"database/sql"

	"recurbill/internal/errors"
)

// WithTx runs fn inside a transaction. fn's error is returned unchanged after
// rolling back; begin and commit failures are marked ErrPersistence. A panic
// in fn rolls back and is re-raised. fn must issue every query through tx,
// never through db.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapPersistence(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapPersistence(err, "commit transaction")
	}
	return nil
}
