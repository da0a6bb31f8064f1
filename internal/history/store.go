// Package history keeps a SQLite journal of synthesis requests.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	_ "modernc.org/sqlite"
)

const (
	defaultRecentLimit = 50
	defaultPruneEvery  = 100
)

// Outcomes recorded for a request.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Entry is one journaled request.
type Entry struct {
	ID                 int64     `json:"id"`
	RequestID          string    `json:"request_id"`
	Pipeline           string    `json:"pipeline"`
	Voice              string    `json:"voice"`
	Dialect            string    `json:"dialect"`
	TextLength         int       `json:"text_length"`
	AudioBytes         int       `json:"audio_bytes"`
	Outcome            string    `json:"outcome"`
	Error              string    `json:"error,omitempty"`
	LanguageMillis     int64     `json:"language_ms"`
	IntermediateMillis int64     `json:"intermediate_ms"`
	WaveformMillis     int64     `json:"waveform_ms"`
	CreatedAt          time.Time `json:"created_at"`
}

// Options configures the store.
type Options struct {
	Enabled       bool
	Path          string
	RetentionDays int
	MaxRows       int
	// PruneEvery is the number of Record calls between prunes.
	PruneEvery int
}

// Store wraps the SQLite journal. A disabled store accepts every call and
// keeps nothing.
type Store struct {
	db    *sql.DB
	opts  Options
	log   *logger.Logger
	clock func() time.Time

	recorded atomic.Int64
}

// Open opens (or creates) the journal and prunes it once. Record prunes
// again every PruneEvery entries.
func Open(ctx context.Context, opts Options, log *logger.Logger) (*Store, error) {
	if opts.PruneEvery <= 0 {
		opts.PruneEvery = defaultPruneEvery
	}

	s := &Store{opts: opts, log: log, clock: time.Now}

	if !opts.Enabled {
		return s, nil
	}

	dir := filepath.Dir(opts.Path)
	if dir != "." && dir != "" {
		err := os.MkdirAll(dir, 0o755)
		if err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", opts.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	s.db = db

	err = s.initSchema(ctx)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	err = s.Prune(ctx)
	if err != nil {
		log.Warn("History prune on start failed: %v", err)
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    pipeline TEXT NOT NULL,
    voice TEXT NOT NULL,
    dialect TEXT,
    text_length INTEGER NOT NULL,
    audio_bytes INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT,
    language_ms INTEGER NOT NULL,
    intermediate_ms INTEGER NOT NULL,
    waveform_ms INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`

	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}

	return nil
}

// Enabled reports whether entries are kept.
func (s *Store) Enabled() bool {
	return s.db != nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	return s.db.Close()
}

// Record appends an entry. A zero CreatedAt is set to now.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if s.db == nil {
		return nil
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(request_id, pipeline, voice, dialect, text_length, audio_bytes, outcome, error,
		     language_ms, intermediate_ms, waveform_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Pipeline, e.Voice, e.Dialect, e.TextLength, e.AudioBytes, e.Outcome, e.Error,
		e.LanguageMillis, e.IntermediateMillis, e.WaveformMillis, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record history entry: %w", err)
	}

	if s.recorded.Add(1)%int64(s.opts.PruneEvery) == 0 {
		err = s.Prune(ctx)
		if err != nil {
			s.log.Warn("History prune after %d entries failed: %v", s.opts.PruneEvery, err)
		}
	}

	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}

	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, pipeline, voice, dialect, text_length, audio_bytes, outcome, error,
		     language_ms, intermediate_ms, waveform_ms, created_at
		 FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var entries []Entry

	for rows.Next() {
		var (
			e       Entry
			dialect sql.NullString
			errText sql.NullString
			created int64
		)

		scanErr := rows.Scan(&e.ID, &e.RequestID, &e.Pipeline, &e.Voice, &dialect, &e.TextLength, &e.AudioBytes,
			&e.Outcome, &errText, &e.LanguageMillis, &e.IntermediateMillis, &e.WaveformMillis, &created)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", scanErr)
		}

		e.Dialect = dialect.String
		e.Error = errText.String
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}

	return entries, nil
}

// Prune removes entries older than the retention window and trims the
// journal to MaxRows.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin prune: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if s.opts.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.opts.RetentionDays) * 24 * time.Hour)

		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to prune by age: %w", err)
		}
	}

	if s.opts.MaxRows > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM jobs WHERE id NOT IN (SELECT id FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?)`,
			s.opts.MaxRows)
		if err != nil {
			return fmt.Errorf("failed to prune by count: %w", err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit prune: %w", err)
	}

	return nil
}
