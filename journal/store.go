package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("nativetrap.journal")

// Store persists events in SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
}

// KindCount is one row of a summary.
type KindCount struct {
	Kind  Kind
	Count int
}

// Open opens (creating if needed) the journal database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		context TEXT NOT NULL,
		pc INTEGER NOT NULL,
		addr INTEGER NOT NULL,
		words INTEGER NOT NULL,
		signal INTEGER NOT NULL,
		at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: creating table: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Append inserts events in one transaction.
func (s *Store) Append(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (seq, kind, context, pc, addr, words, signal, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("journal: prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.ExecContext(ctx, int64(ev.Seq), ev.Kind.String(), ev.Context.String(),
			int64(ev.PC), int64(ev.Addr), ev.Words, ev.Signal, ev.Time.UnixNano())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("journal: insert event %d: %w", ev.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit: %w", err)
	}
	return nil
}

// Flush moves everything recorded in r since the last flush into the store.
func (s *Store) Flush(ctx context.Context, r *Ring) (int, error) {
	events := r.Take()
	if err := s.Append(ctx, events); err != nil {
		return 0, err
	}
	if dropped := r.Dropped(); dropped > 0 {
		log.Warningf("journal ring overflowed, %d events lost", dropped)
	}
	log.Debugf("flushed %d events to %s", len(events), s.dbPath)
	return len(events), nil
}

// Summary counts stored events per kind.
func (s *Store) Summary(ctx context.Context) ([]KindCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("journal: summary: %w", err)
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("journal: summary: %w", err)
		}
		k, _ := ParseKind(name)
		out = append(out, KindCount{Kind: k, Count: n})
	}
	return out, rows.Err()
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, context, pc, addr, words, signal, at FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			seq, pc, addr, at int64
			kind, ctxID       string
			ev                Event
		)
		if err := rows.Scan(&seq, &kind, &ctxID, &pc, &addr, &ev.Words, &ev.Signal, &at); err != nil {
			return nil, fmt.Errorf("journal: recent: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.Kind, _ = ParseKind(kind)
		ev.Context, _ = uuid.Parse(ctxID)
		ev.PC = uintptr(pc)
		ev.Addr = uintptr(addr)
		ev.Time = time.Unix(0, at)
		out = append(out, ev)
	}
	return out, rows.Err()
}
