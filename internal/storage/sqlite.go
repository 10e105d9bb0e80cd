package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"bankrecon/internal/applier"
	apperrors "bankrecon/pkg/errors"
	"bankrecon/pkg/logger"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS legs (
	id         TEXT NOT NULL,
	company_id TEXT NOT NULL,
	side       TEXT NOT NULL,
	reconciled INTEGER NOT NULL DEFAULT 0,
	recon_id   TEXT,
	PRIMARY KEY (side, id)
);
CREATE TABLE IF NOT EXISTS reconciliations (
	id         TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS reconciliation_members (
	recon_id TEXT NOT NULL,
	leg_id   TEXT NOT NULL,
	side     TEXT NOT NULL,
	PRIMARY KEY (recon_id, side, leg_id)
);
CREATE INDEX IF NOT EXISTS idx_legs_company ON legs(company_id, reconciled);
`

// SQLiteStore is a SQLite-backed applier.LedgerStore. Units map to SQLite
// transactions; the single-writer model serializes them, and busy errors
// surface as lock conflicts.
type SQLiteStore struct {
	db  *sql.DB
	log logger.Logger
}

// OpenSQLite opens (and if needed creates) the database at path and ensures
// the schema exists.
func OpenSQLite(path string, log logger.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = logger.Nop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.StorageError("open database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, apperrors.StorageError("set journal mode", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, apperrors.StorageError("set busy timeout", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, apperrors.StorageError("initialize schema", err)
	}

	log.WithComponent("storage").WithField("path", path).Debug("SQLite store opened")
	return &SQLiteStore{db: db, log: log.WithComponent("storage")}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SeedLegs upserts leg records, preserving the reconciled flag of existing
// rows. Used when loading ledger snapshots before a run.
func (s *SQLiteStore) SeedLegs(ctx context.Context, records []applier.LegRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.StorageError("seed legs", err)
	}
	for _, rec := range records {
		reconciled := 0
		if rec.Reconciled {
			reconciled = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO legs (id, company_id, side, reconciled) VALUES (?, ?, ?, ?)
			ON CONFLICT(side, id) DO UPDATE SET company_id = excluded.company_id`,
			rec.ID, rec.CompanyID, rec.Side, reconciled)
		if err != nil {
			tx.Rollback()
			return apperrors.StorageError("seed legs", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.StorageError("seed legs", err)
	}
	return nil
}

// ReconciledLegIDs returns the ids of all reconciled legs for a company,
// split by side. Feeds the candidate pool's exclusion set.
func (s *SQLiteStore) ReconciledLegIDs(ctx context.Context, companyID string) (bank, book []string, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, side FROM legs WHERE company_id = ? AND reconciled = 1 ORDER BY id`, companyID)
	if err != nil {
		return nil, nil, apperrors.StorageError("query reconciled legs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, side string
		if err := rows.Scan(&id, &side); err != nil {
			return nil, nil, apperrors.StorageError("scan reconciled leg", err)
		}
		if side == applier.SideBank {
			bank = append(bank, id)
		} else {
			book = append(book, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apperrors.StorageError("iterate reconciled legs", err)
	}
	return bank, book, nil
}

// BeginUnit starts a transaction-backed unit of work.
func (s *SQLiteStore) BeginUnit(ctx context.Context) (applier.Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapSQLiteErr("begin unit", err)
	}
	return &sqliteUnit{tx: tx}, nil
}

type sqliteUnit struct {
	tx *sql.Tx
}

func (u *sqliteUnit) LockLegs(ctx context.Context, bankIDs, bookIDs []string) ([]applier.LegRecord, error) {
	var records []applier.LegRecord
	if err := u.lockSide(ctx, applier.SideBank, bankIDs, &records); err != nil {
		return nil, err
	}
	if err := u.lockSide(ctx, applier.SideBook, bookIDs, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// lockSide reads the rows for one side's ids. Ids are scoped by side, so a
// bank leg and a book leg may share the same id without colliding.
func (u *sqliteUnit) lockSide(ctx context.Context, side string, ids []string, records *[]applier.LegRecord) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, side)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := u.tx.QueryContext(ctx,
		`SELECT id, company_id, side, reconciled FROM legs WHERE side = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return wrapSQLiteErr("lock legs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec applier.LegRecord
		var reconciled int
		if err := rows.Scan(&rec.ID, &rec.CompanyID, &rec.Side, &reconciled); err != nil {
			return wrapSQLiteErr("scan leg", err)
		}
		rec.Reconciled = reconciled != 0
		*records = append(*records, rec)
	}
	if err := rows.Err(); err != nil {
		return wrapSQLiteErr("iterate legs", err)
	}
	return nil
}

func (u *sqliteUnit) CreateReconciliation(ctx context.Context, rec applier.Reconciliation) error {
	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO reconciliations (id, company_id, status, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.CompanyID, rec.Status, rec.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return wrapSQLiteErr("create reconciliation", err)
	}

	insert := func(ids []string, side string) error {
		for _, id := range ids {
			if _, err := u.tx.ExecContext(ctx,
				`INSERT INTO reconciliation_members (recon_id, leg_id, side) VALUES (?, ?, ?)`,
				rec.ID, id, side); err != nil {
				return wrapSQLiteErr("create reconciliation member", err)
			}
		}
		return nil
	}
	if err := insert(rec.BankIDs, applier.SideBank); err != nil {
		return err
	}
	return insert(rec.BookIDs, applier.SideBook)
}

func (u *sqliteUnit) MarkReconciled(ctx context.Context, reconID string, bankIDs, bookIDs []string) error {
	mark := func(side string, ids []string) error {
		for _, id := range ids {
			res, err := u.tx.ExecContext(ctx,
				`UPDATE legs SET reconciled = 1, recon_id = ? WHERE side = ? AND id = ? AND reconciled = 0`,
				reconID, side, id)
			if err != nil {
				return wrapSQLiteErr("mark reconciled", err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return apperrors.ApplyError(apperrors.CodeAlreadyReconciled,
					side+" leg "+id+" was reconciled concurrently", nil)
			}
		}
		return nil
	}
	if err := mark(applier.SideBank, bankIDs); err != nil {
		return err
	}
	return mark(applier.SideBook, bookIDs)
}

func (u *sqliteUnit) Commit() error {
	if err := u.tx.Commit(); err != nil {
		return wrapSQLiteErr("commit", err)
	}
	return nil
}

func (u *sqliteUnit) Rollback() error {
	if err := u.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return wrapSQLiteErr("rollback", err)
	}
	return nil
}

// wrapSQLiteErr maps SQLite busy/locked conditions to lock conflicts and
// wraps everything else as a storage failure.
func wrapSQLiteErr(operation string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "busy") || strings.Contains(msg, "locked") {
		return apperrors.ApplyError(apperrors.CodeLockConflict, "database is locked", err)
	}
	return apperrors.StorageError(operation, err)
}
