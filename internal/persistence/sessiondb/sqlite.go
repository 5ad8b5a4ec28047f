// Package sessiondb keeps the small amount of state that outlives a scene
// session: the last applied rule-source list, per-source fetch records, and a
// queryable history of transitions and diagnostics.
package sessiondb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"scenewarden/internal/activation"
	"scenewarden/internal/diag"
)

type DB struct {
	db  *sql.DB
	now func() time.Time

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqTransition reqKind = iota + 1
	reqDiagnostic
	reqSync
)

type req struct {
	kind    reqKind
	session string
	at      string

	event activation.Event
	diag  diag.Diagnostic
	done  chan struct{}
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &DB{
		db:  db,
		now: time.Now,
		ch:  make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			last_modified TEXT,
			bytes INTEGER NOT NULL,
			fetched_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			tick INTEGER NOT NULL,
			entity TEXT NOT NULL,
			active INTEGER NOT NULL,
			via TEXT,
			exception TEXT,
			skipped INTEGER NOT NULL,
			fault TEXT,
			at TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_entity ON transitions(entity, tick);`,
		`CREATE TABLE IF NOT EXISTS diagnostics (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			kind TEXT NOT NULL,
			source TEXT,
			line INTEGER,
			message TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`)
	return err
}

func (s *DB) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *DB) stamp() string { return s.now().UTC().Format(time.RFC3339Nano) }

// Dropped counts history rows lost because the writer fell behind.
func (s *DB) Dropped() uint64 { return s.dropped.Load() }

func (s *DB) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// The JSONL logs stay authoritative; the table is only an index.
		s.dropped.Add(1)
	}
}

// Sink returns an activation.Sink recording events under session.
func (s *DB) Sink(session string) activation.Sink {
	return activation.SinkFunc(func(e activation.Event) {
		s.enqueue(req{kind: reqTransition, session: session, at: s.stamp(), event: e})
	})
}

func (s *DB) RecordDiagnostic(session string, d diag.Diagnostic) {
	s.enqueue(req{kind: reqDiagnostic, session: session, at: s.stamp(), diag: d})
}

// Sync blocks until everything queued before it has been committed.
func (s *DB) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *DB) StartSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO sessions(id,started_at) VALUES(?,?)`, id, s.stamp())
	return err
}

func (s *DB) EndSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at=? WHERE id=?`, s.stamp(), id)
	return err
}

// SourceList is the last rule-source id list the retrieval step applied.
type SourceList struct {
	IDs       []string
	UpdatedAt time.Time
}

func (s *DB) SourceList(ctx context.Context) (SourceList, error) {
	var out SourceList
	var ids, at string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='source_ids'`).Scan(&ids)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	if ids != "" {
		out.IDs = strings.Split(ids, "\n")
	}
	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='source_updated_at'`).Scan(&at)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return out, err
	}
	if at != "" {
		out.UpdatedAt, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return out, fmt.Errorf("source_updated_at: %w", err)
		}
	}
	return out, nil
}

func (s *DB) SetSourceList(ctx context.Context, l SourceList) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('source_ids',?)`, strings.Join(l.IDs, "\n")); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('source_updated_at',?)`, l.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return tx.Commit()
}

// Fetch is one retrieved rule file.
type Fetch struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	LastModified string    `json:"last_modified,omitempty"`
	Bytes        int64     `json:"bytes"`
	FetchedAt    time.Time `json:"fetched_at"`
}

func (s *DB) RecordFetch(ctx context.Context, f Fetch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sources(id,path,last_modified,bytes,fetched_at) VALUES(?,?,?,?,?)`,
		f.ID, f.Path, f.LastModified, f.Bytes, f.FetchedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *DB) Fetches(ctx context.Context) ([]Fetch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,path,COALESCE(last_modified,''),bytes,fetched_at FROM sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Fetch
	for rows.Next() {
		var f Fetch
		var at string
		if err := rows.Scan(&f.ID, &f.Path, &f.LastModified, &f.Bytes, &at); err != nil {
			return nil, err
		}
		f.FetchedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, f)
	}
	return out, rows.Err()
}

// TransitionRow is one stored controller event.
type TransitionRow struct {
	Session string
	At      string
	activation.Event
}

// Transitions returns the most recent events for entity (all entities when
// empty), newest first.
func (s *DB) Transitions(ctx context.Context, entity string, limit int) ([]TransitionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT session,at,raw_json FROM transitions`
	args := []any{}
	if entity != "" {
		q += ` WHERE entity=?`
		args = append(args, entity)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TransitionRow
	for rows.Next() {
		var r TransitionRow
		var raw string
		if err := rows.Scan(&r.Session, &r.At, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &r.Event); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) Diagnostics(ctx context.Context, limit int) ([]diag.Diagnostic, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind,COALESCE(source,''),COALESCE(line,0),message FROM diagnostics ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []diag.Diagnostic
	for rows.Next() {
		var d diag.Diagnostic
		var kind string
		if err := rows.Scan(&kind, &d.Source, &d.Line, &d.Message); err != nil {
			return nil, err
		}
		d.Kind = diag.Kind(kind)
		out = append(out, d)
	}
	return out, rows.Err()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (s *DB) loop() {
	ctx := context.Background()

	insertTransition, _ := s.db.Prepare(`INSERT INTO transitions(session,tick,entity,active,via,exception,skipped,fault,at,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertDiagnostic, _ := s.db.Prepare(`INSERT INTO diagnostics(session,kind,source,line,message,at) VALUES(?,?,?,?,?,?)`)
	defer func() {
		if insertTransition != nil {
			_ = insertTransition.Close()
		}
		if insertDiagnostic != nil {
			_ = insertDiagnostic.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTransition:
			e := r.event
			raw, _ := json.Marshal(e)
			if insertTransition != nil {
				if _, err := tx.Stmt(insertTransition).Exec(
					r.session, int64(e.Tick), e.ID, boolInt(e.Active), e.Via, e.Exception,
					boolInt(e.Skipped), e.Fault, r.at, string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		case reqDiagnostic:
			d := r.diag
			if insertDiagnostic != nil {
				if _, err := tx.Stmt(insertDiagnostic).Exec(r.session, string(d.Kind), d.Source, d.Line, d.Message, r.at); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		// Readers share the single connection, so an idle writer must not
		// sit on an open transaction.
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}

	commit()
}
