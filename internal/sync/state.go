package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

const walJournalSizeLimit = 67108864 // 64 MiB WAL journal size limit

// SQLiteStore implements StateStore using an embedded SQLite database
// with WAL mode. All persisted sync state (tokens, the remote snapshot,
// fingerprints, bookkeeping sets, calendar cache, run statistics) lives
// here.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	tokenStmts    tokenStatements
	snapshotStmts snapshotStatements
	printStmts    printStatements
	bookStmts     bookStatements
	calendarStmts calendarStatements
	runStmts      runStatements
}

// Statement groups to avoid a flat list of 20+ fields.
type tokenStatements struct {
	get, save, delete *sql.Stmt
}

type snapshotStatements struct {
	list, upsert, delete, clear *sql.Stmt
}

type printStatements struct {
	list, upsert, clear *sql.Stmt
}

type bookStatements struct {
	list, insert, clear *sql.Stmt
}

type calendarStatements struct {
	get, save, delete *sql.Stmt
}

type runStatements struct {
	insert, last *sql.Stmt
}

// NewStore opens the database at dbPath, applies migrations, and prepares
// all repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening sync state database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sync: open sqlite: %w", err)
	}

	// A single connection: SQLite allows one writer, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("sync: prepare statements: %w", err)
	}

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sync: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// --- SQL query constants, grouped by domain ---

const (
	sqlGetToken    = `SELECT token FROM sync_tokens WHERE calendar_id = ?`
	sqlSaveToken   = `INSERT INTO sync_tokens (calendar_id, token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(calendar_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`
	sqlDeleteToken = `DELETE FROM sync_tokens WHERE calendar_id = ?`
)

const (
	sqlListSnapshot = `SELECT event_id, payload, event_date, updated_at
		FROM remote_snapshot WHERE calendar_id = ?`
	sqlUpsertSnapshot = `INSERT INTO remote_snapshot (calendar_id, event_id, payload, event_date, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(calendar_id, event_id) DO UPDATE SET
			payload    = excluded.payload,
			event_date = excluded.event_date,
			updated_at = excluded.updated_at`
	sqlDeleteSnapshot = `DELETE FROM remote_snapshot WHERE calendar_id = ? AND event_id = ?`
	sqlClearSnapshot  = `DELETE FROM remote_snapshot WHERE calendar_id = ?`
)

const (
	sqlListPrints = `SELECT session_id, digest FROM fingerprints WHERE calendar_id = ?`
	sqlUpsertPrint = `INSERT INTO fingerprints (calendar_id, session_id, digest, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(calendar_id, session_id) DO UPDATE SET
			digest = excluded.digest, updated_at = excluded.updated_at`
	sqlClearPrints = `DELETE FROM fingerprints WHERE calendar_id = ?`
)

const (
	sqlListBooks   = `SELECT session_id, kind, deleted_at FROM bookkeeping WHERE calendar_id = ?`
	sqlInsertBook  = `INSERT INTO bookkeeping (calendar_id, session_id, kind, deleted_at) VALUES (?, ?, ?, ?)`
	sqlClearBooks  = `DELETE FROM bookkeeping WHERE calendar_id = ?`
)

const (
	sqlGetCalendar  = `SELECT calendar_id FROM calendars WHERE account = ?`
	sqlSaveCalendar = `INSERT INTO calendars (account, calendar_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET calendar_id = excluded.calendar_id, updated_at = excluded.updated_at`
	sqlDeleteCalendar = `DELETE FROM calendars WHERE account = ?`
)

const (
	sqlInsertRun = `INSERT INTO runs (calendar_id, started_at, finished_at, success, status,
		created, updated, deleted, skipped, recurring, item_errors, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlLastRun = `SELECT calendar_id, started_at, finished_at, success, status,
		created, updated, deleted, skipped, recurring, item_errors, error
		FROM runs WHERE calendar_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`
)

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate. Used by the generic prepare helper to eliminate repetitive
// error handling.
type stmtDef struct {
	name string
	sql  string
	dst  **sql.Stmt
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dst = stmt
	}

	return nil
}

func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{"token.get", sqlGetToken, &s.tokenStmts.get},
		{"token.save", sqlSaveToken, &s.tokenStmts.save},
		{"token.delete", sqlDeleteToken, &s.tokenStmts.delete},

		{"snapshot.list", sqlListSnapshot, &s.snapshotStmts.list},
		{"snapshot.upsert", sqlUpsertSnapshot, &s.snapshotStmts.upsert},
		{"snapshot.delete", sqlDeleteSnapshot, &s.snapshotStmts.delete},
		{"snapshot.clear", sqlClearSnapshot, &s.snapshotStmts.clear},

		{"print.list", sqlListPrints, &s.printStmts.list},
		{"print.upsert", sqlUpsertPrint, &s.printStmts.upsert},
		{"print.clear", sqlClearPrints, &s.printStmts.clear},

		{"book.list", sqlListBooks, &s.bookStmts.list},
		{"book.insert", sqlInsertBook, &s.bookStmts.insert},
		{"book.clear", sqlClearBooks, &s.bookStmts.clear},

		{"calendar.get", sqlGetCalendar, &s.calendarStmts.get},
		{"calendar.save", sqlSaveCalendar, &s.calendarStmts.save},
		{"calendar.delete", sqlDeleteCalendar, &s.calendarStmts.delete},

		{"run.insert", sqlInsertRun, &s.runStmts.insert},
		{"run.last", sqlLastRun, &s.runStmts.last},
	})
}

// --- Sync tokens ---

func (s *SQLiteStore) GetSyncToken(ctx context.Context, calendarID string) (string, error) {
	var token string

	err := s.tokenStmts.get.QueryRowContext(ctx, calendarID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("sync: get token: %w", err)
	}

	return token, nil
}

func (s *SQLiteStore) SaveSyncToken(ctx context.Context, calendarID, token string) error {
	if _, err := s.tokenStmts.save.ExecContext(ctx, calendarID, token, NowNano()); err != nil {
		return fmt.Errorf("sync: save token: %w", err)
	}

	return nil
}

func (s *SQLiteStore) DeleteSyncToken(ctx context.Context, calendarID string) error {
	if _, err := s.tokenStmts.delete.ExecContext(ctx, calendarID); err != nil {
		return fmt.Errorf("sync: delete token: %w", err)
	}

	return nil
}

// --- Remote snapshot cache ---

func (s *SQLiteStore) ListSnapshot(ctx context.Context, calendarID string) ([]SnapshotRow, error) {
	rows, err := s.snapshotStmts.list.QueryContext(ctx, calendarID)
	if err != nil {
		return nil, fmt.Errorf("sync: list snapshot: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow

	for rows.Next() {
		var row SnapshotRow

		if err := rows.Scan(&row.EventID, &row.Payload, &row.EventDate, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sync: scan snapshot row: %w", err)
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: list snapshot: %w", err)
	}

	return out, nil
}

func (s *SQLiteStore) UpsertSnapshot(ctx context.Context, calendarID string, row *SnapshotRow) error {
	_, err := s.snapshotStmts.upsert.ExecContext(ctx,
		calendarID, row.EventID, row.Payload, row.EventDate, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sync: upsert snapshot: %w", err)
	}

	return nil
}

func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, calendarID, eventID string) error {
	if _, err := s.snapshotStmts.delete.ExecContext(ctx, calendarID, eventID); err != nil {
		return fmt.Errorf("sync: delete snapshot row: %w", err)
	}

	return nil
}

func (s *SQLiteStore) ClearSnapshot(ctx context.Context, calendarID string) error {
	if _, err := s.snapshotStmts.clear.ExecContext(ctx, calendarID); err != nil {
		return fmt.Errorf("sync: clear snapshot: %w", err)
	}

	return nil
}

// --- Fingerprints ---

func (s *SQLiteStore) LoadFingerprints(ctx context.Context, calendarID string) (map[string]uint64, error) {
	rows, err := s.printStmts.list.QueryContext(ctx, calendarID)
	if err != nil {
		return nil, fmt.Errorf("sync: load fingerprints: %w", err)
	}
	defer rows.Close()

	prints := make(map[string]uint64)

	for rows.Next() {
		var (
			sessionID string
			digest    int64
		)

		if err := rows.Scan(&sessionID, &digest); err != nil {
			return nil, fmt.Errorf("sync: scan fingerprint: %w", err)
		}

		// Digests are stored as the signed reinterpretation of the
		// unsigned FNV value, since SQLite integers are signed.
		prints[sessionID] = uint64(digest)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: load fingerprints: %w", err)
	}

	return prints, nil
}

func (s *SQLiteStore) SaveFingerprints(ctx context.Context, calendarID string, prints map[string]uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: save fingerprints: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.printStmts.clear).ExecContext(ctx, calendarID); err != nil {
		return fmt.Errorf("sync: clear fingerprints: %w", err)
	}

	now := NowNano()
	upsert := tx.StmtContext(ctx, s.printStmts.upsert)

	for sessionID, digest := range prints {
		if _, err := upsert.ExecContext(ctx, calendarID, sessionID, int64(digest), now); err != nil {
			return fmt.Errorf("sync: save fingerprint %s: %w", sessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: save fingerprints: %w", err)
	}

	return nil
}

// --- Bookkeeping sets ---

const (
	bookKindSynced  = "synced"
	bookKindDeleted = "deleted"
)

func (s *SQLiteStore) LoadBookkeeping(ctx context.Context, calendarID string) (*Bookkeeping, error) {
	rows, err := s.bookStmts.list.QueryContext(ctx, calendarID)
	if err != nil {
		return nil, fmt.Errorf("sync: load bookkeeping: %w", err)
	}
	defer rows.Close()

	books := NewBookkeeping()

	for rows.Next() {
		var (
			sessionID string
			kind      string
			deletedAt int64
		)

		if err := rows.Scan(&sessionID, &kind, &deletedAt); err != nil {
			return nil, fmt.Errorf("sync: scan bookkeeping: %w", err)
		}

		switch kind {
		case bookKindSynced:
			books.SyncedIDs[sessionID] = true
		case bookKindDeleted:
			books.DeletedIDs[sessionID] = deletedAt
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: load bookkeeping: %w", err)
	}

	return books, nil
}

func (s *SQLiteStore) SaveBookkeeping(ctx context.Context, calendarID string, books *Bookkeeping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: save bookkeeping: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.bookStmts.clear).ExecContext(ctx, calendarID); err != nil {
		return fmt.Errorf("sync: clear bookkeeping: %w", err)
	}

	insert := tx.StmtContext(ctx, s.bookStmts.insert)

	for sessionID := range books.SyncedIDs {
		if _, err := insert.ExecContext(ctx, calendarID, sessionID, bookKindSynced, 0); err != nil {
			return fmt.Errorf("sync: save synced id %s: %w", sessionID, err)
		}
	}

	for sessionID, deletedAt := range books.DeletedIDs {
		if _, err := insert.ExecContext(ctx, calendarID, sessionID, bookKindDeleted, deletedAt); err != nil {
			return fmt.Errorf("sync: save deleted id %s: %w", sessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: save bookkeeping: %w", err)
	}

	return nil
}

// --- Destination calendar cache ---

func (s *SQLiteStore) GetCalendarID(ctx context.Context, account string) (string, error) {
	var id string

	err := s.calendarStmts.get.QueryRowContext(ctx, account).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("sync: get calendar id: %w", err)
	}

	return id, nil
}

func (s *SQLiteStore) SaveCalendarID(ctx context.Context, account, calendarID string) error {
	if _, err := s.calendarStmts.save.ExecContext(ctx, account, calendarID, NowNano()); err != nil {
		return fmt.Errorf("sync: save calendar id: %w", err)
	}

	return nil
}

func (s *SQLiteStore) DeleteCalendarID(ctx context.Context, account string) error {
	if _, err := s.calendarStmts.delete.ExecContext(ctx, account); err != nil {
		return fmt.Errorf("sync: delete calendar id: %w", err)
	}

	return nil
}

// --- Run statistics ---

func (s *SQLiteStore) RecordRun(ctx context.Context, stats *RunStats) error {
	_, err := s.runStmts.insert.ExecContext(ctx,
		stats.CalendarID, stats.StartedAt, stats.FinishedAt, boolToInt(stats.Success), stats.Status,
		stats.Created, stats.Updated, stats.Deleted, stats.Skipped, stats.Recurring,
		stats.ItemErrors, stats.Error)
	if err != nil {
		return fmt.Errorf("sync: record run: %w", err)
	}

	return nil
}

func (s *SQLiteStore) LastRun(ctx context.Context, calendarID string) (*RunStats, error) {
	var (
		stats   RunStats
		success int
	)

	err := s.runStmts.last.QueryRowContext(ctx, calendarID).Scan(
		&stats.CalendarID, &stats.StartedAt, &stats.FinishedAt, &success, &stats.Status,
		&stats.Created, &stats.Updated, &stats.Deleted, &stats.Skipped, &stats.Recurring,
		&stats.ItemErrors, &stats.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("sync: last run: %w", err)
	}

	stats.Success = success != 0

	return &stats, nil
}

// Close finalizes prepared statements and closes the database.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{
		s.tokenStmts.get, s.tokenStmts.save, s.tokenStmts.delete,
		s.snapshotStmts.list, s.snapshotStmts.upsert, s.snapshotStmts.delete, s.snapshotStmts.clear,
		s.printStmts.list, s.printStmts.upsert, s.printStmts.clear,
		s.bookStmts.list, s.bookStmts.insert, s.bookStmts.clear,
		s.calendarStmts.get, s.calendarStmts.save, s.calendarStmts.delete,
		s.runStmts.insert, s.runStmts.last,
	}

	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sync: closing database: %w", err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
