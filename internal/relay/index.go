package relay

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Status values for the SQLite index. Deliberately distinct from the
// Maildir directory vocabulary (new/cur/failed) — the translation between
// the two happens only in Rebuild.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// IndexedMessage mirrors spec.md §3's "Indexed message" record.
type IndexedMessage struct {
	ID           string
	Subject      string
	EndpointHash string
	Status       string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
}

// Index is the SQLite-backed secondary index over envelopes (spec.md §4.2).
// The filesystem remains the source of truth; this exists for O(log n)
// queries by subject, endpoint, and status.
type Index struct {
	db *sql.DB
}

// NewIndex wraps an already-open *sql.DB. cmd/goclawd gives the index its
// own SQLite file (opened with OpenDB), separate from the database the
// Pulse store and Mesh agent store share.
func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

// Init creates the messages table if absent.
func (ix *Index) Init(ctx context.Context) error {
	_, err := ix.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS relay_messages (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			endpoint_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_relay_messages_subject ON relay_messages(subject);
		CREATE INDEX IF NOT EXISTS idx_relay_messages_endpoint ON relay_messages(endpoint_hash);
		CREATE INDEX IF NOT EXISTS idx_relay_messages_status ON relay_messages(status);
	`)
	return err
}

const isoMilli = "2006-01-02T15:04:05.000Z07:00"

// InsertMessage upserts a row; re-inserting the same id overwrites
// status/timestamps.
func (ix *Index) InsertMessage(ctx context.Context, m IndexedMessage) error {
	var expires interface{}
	if m.ExpiresAt != nil {
		expires = m.ExpiresAt.UTC().Format(isoMilli)
	}
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO relay_messages (id, subject, endpoint_hash, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			endpoint_hash = excluded.endpoint_hash,
			status = excluded.status,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, m.ID, m.Subject, m.EndpointHash, m.Status, m.CreatedAt.UTC().Format(isoMilli), expires)
	return err
}

// UpdateStatus returns true iff a row changed.
func (ix *Index) UpdateStatus(ctx context.Context, id, status string) (bool, error) {
	res, err := ix.db.ExecContext(ctx, `UPDATE relay_messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanMessage(row interface{ Scan(...any) error }) (IndexedMessage, error) {
	var m IndexedMessage
	var created string
	var expires sql.NullString
	if err := row.Scan(&m.ID, &m.Subject, &m.EndpointHash, &m.Status, &created, &expires); err != nil {
		return m, err
	}
	m.CreatedAt, _ = time.Parse(isoMilli, created)
	if expires.Valid {
		t, _ := time.Parse(isoMilli, expires.String)
		m.ExpiresAt = &t
	}
	return m, nil
}

// GetMessage returns the row for id, or sql.ErrNoRows.
func (ix *Index) GetMessage(ctx context.Context, id string) (IndexedMessage, error) {
	row := ix.db.QueryRowContext(ctx, `SELECT id, subject, endpoint_hash, status, created_at, expires_at FROM relay_messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetBySubject returns all rows for an exact subject.
func (ix *Index) GetBySubject(ctx context.Context, subject string) ([]IndexedMessage, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT id, subject, endpoint_hash, status, created_at, expires_at FROM relay_messages WHERE subject = ? ORDER BY id DESC`, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// GetByEndpoint returns all rows for an endpoint hash.
func (ix *Index) GetByEndpoint(ctx context.Context, hash string) ([]IndexedMessage, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT id, subject, endpoint_hash, status, created_at, expires_at FROM relay_messages WHERE endpoint_hash = ? ORDER BY id DESC`, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]IndexedMessage, error) {
	var out []IndexedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// QueryFilter parameterizes QueryMessages.
type QueryFilter struct {
	Subject string
	Status  string
	Limit   int
	Cursor  string // exclusive upper bound on id (only ids below it), descending order
}

// QueryResult is the keyset-paginated result of QueryMessages.
type QueryResult struct {
	Messages   []IndexedMessage
	NextCursor string
}

// QueryMessages supports keyset pagination ordered by id descending.
func (ix *Index) QueryMessages(ctx context.Context, f QueryFilter) (QueryResult, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, subject, endpoint_hash, status, created_at, expires_at FROM relay_messages WHERE 1=1`
	var args []interface{}
	if f.Subject != "" {
		query += ` AND subject = ?`
		args = append(args, f.Subject)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Cursor != "" {
		query += ` AND id < ?`
		args = append(args, f.Cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return QueryResult{}, err
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return QueryResult{}, err
	}

	var result QueryResult
	if len(msgs) > limit {
		result.NextCursor = msgs[limit-1].ID
		msgs = msgs[:limit]
	}
	result.Messages = msgs
	return result, nil
}

// CountNewByEndpoint counts status=pending rows for hash.
func (ix *Index) CountNewByEndpoint(ctx context.Context, hash string) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relay_messages WHERE endpoint_hash = ? AND status = ?`, hash, StatusPending).Scan(&n)
	return n, err
}

// DeleteExpired removes rows whose expires_at is non-null and in the past
// relative to now (defaults to time.Now() if zero).
func (ix *Index) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if now.IsZero() {
		now = time.Now()
	}
	res, err := ix.db.ExecContext(ctx, `DELETE FROM relay_messages WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UTC().Format(isoMilli))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MaildirScanner is the subset of MaildirStore that Rebuild needs, kept as
// an interface so tests can fake it.
type MaildirScanner interface {
	ScanStatuses(hash string) (map[string]string, error) // id -> directory name (new/cur/failed)
}

// Rebuild truncates the table and repopulates it by scanning every
// registered maildir, assigning status by directory.
func (ix *Index) Rebuild(ctx context.Context, scanner MaildirScanner, endpointHashes []string) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM relay_messages`); err != nil {
		return err
	}

	now := time.Now().UTC().Format(isoMilli)
	for _, hash := range endpointHashes {
		statuses, err := scanner.ScanStatuses(hash)
		if err != nil {
			return err
		}
		for id, dir := range statuses {
			status := dirToStatus(dir)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO relay_messages (id, subject, endpoint_hash, status, created_at, expires_at)
				VALUES (?, '', ?, ?, ?, NULL)
				ON CONFLICT(id) DO UPDATE SET status = excluded.status
			`, id, hash, status, now); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func dirToStatus(dir string) string {
	switch dir {
	case dirNew:
		return StatusPending
	case dirCur:
		return StatusDelivered
	case dirFailed:
		return StatusFailed
	default:
		return StatusFailed
	}
}

// Metrics is the aggregate shape returned by GetMetrics.
type Metrics struct {
	TotalMessages int
	ByStatus      map[string]int
	BySubject     []SubjectCount
}

// SubjectCount pairs a subject with its message volume.
type SubjectCount struct {
	Subject string
	Count   int
}

// GetMetrics aggregates counts; BySubject is sorted by volume descending.
func (ix *Index) GetMetrics(ctx context.Context) (Metrics, error) {
	m := Metrics{ByStatus: map[string]int{}}

	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relay_messages`).Scan(&m.TotalMessages); err != nil {
		return m, err
	}

	rows, err := ix.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM relay_messages GROUP BY status`)
	if err != nil {
		return m, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return m, err
		}
		m.ByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return m, err
	}

	rows, err = ix.db.QueryContext(ctx, `SELECT subject, COUNT(*) FROM relay_messages GROUP BY subject`)
	if err != nil {
		return m, err
	}
	for rows.Next() {
		var sc SubjectCount
		if err := rows.Scan(&sc.Subject, &sc.Count); err != nil {
			rows.Close()
			return m, err
		}
		m.BySubject = append(m.BySubject, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return m, err
	}

	sort.Slice(m.BySubject, func(i, j int) bool { return m.BySubject[i].Count > m.BySubject[j].Count })
	return m, nil
}

// OpenDB opens the index's SQLite database file the way the rest of the
// retrieval pack's pure-Go sqlite stores do: a single connection, since
// modernc.org/sqlite serializes writers per-file anyway.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
