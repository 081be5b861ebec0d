// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"taskorchestrator/src/logging"
	"taskorchestrator/src/scheduler"
)

const createTable = `
	CREATE TABLE IF NOT EXISTS task_snapshots (
		task_id     TEXT PRIMARY KEY,
		bucket      TEXT NOT NULL,
		position    INTEGER NOT NULL,
		payload     TEXT NOT NULL,
		exported_at TEXT NOT NULL
	)`

// SQLStore keeps one row per task. Every Save replaces the whole table in
// a single transaction.
type SQLStore struct {
	db     *sql.DB
	driver string
	owned  bool
}

// OpenSQL connects with driver and dsn and prepares the snapshot table.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// sqlite serialises writers anyway; one connection keeps :memory: coherent.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	s, err := NewSQLStore(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLStore wraps an open database. The caller keeps ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type row struct {
	bucket   string
	position int
	entry    scheduler.Entry
}

func rowsOf(snap scheduler.Snapshot) []row {
	var out []row
	keyed := func(bucket string, m map[string]scheduler.Entry) {
		ids := make([]string, 0, len(m))
		for id := range m {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for i, id := range ids {
			out = append(out, row{bucket: bucket, position: i, entry: m[id]})
		}
	}
	keyed(scheduler.BucketScheduled, snap.Scheduled)
	for i, e := range snap.Queued {
		out = append(out, row{bucket: scheduler.BucketQueued, position: i, entry: e})
	}
	keyed(scheduler.BucketActive, snap.Active)
	keyed(scheduler.BucketCompleted, snap.Completed)
	keyed(scheduler.BucketFailed, snap.Failed)
	return out
}

func (s *SQLStore) Save(ctx context.Context, snap scheduler.Snapshot) error {
	exportedAt := snap.ExportedAt
	if exportedAt.IsZero() {
		exportedAt = time.Now()
	}
	stamp := exportedAt.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_snapshots"); err != nil {
		return fmt.Errorf("clear snapshot table: %w", err)
	}

	insert := s.rebind("INSERT INTO task_snapshots (task_id, bucket, position, payload, exported_at) VALUES (?, ?, ?, ?, ?)")
	for _, r := range rowsOf(snap) {
		payload, err := json.Marshal(r.entry)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", r.entry.ID, err)
		}
		if _, err := tx.ExecContext(ctx, insert, r.entry.ID, r.bucket, r.position, string(payload), stamp); err != nil {
			return fmt.Errorf("insert task %s: %w", r.entry.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	logging.Log(fmt.Sprintf("Saved %d tasks to %s snapshot table", snap.Len(), s.driver), slog.LevelInfo)
	return nil
}

func (s *SQLStore) Load(ctx context.Context) (scheduler.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT task_id, bucket, payload, exported_at FROM task_snapshots ORDER BY bucket, position")
	if err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	snap := scheduler.NewSnapshot()
	for rows.Next() {
		var id, bucket, payload, stamp string
		if err := rows.Scan(&id, &bucket, &payload, &stamp); err != nil {
			return scheduler.Snapshot{}, fmt.Errorf("scan snapshot row: %w", err)
		}
		var e scheduler.Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return scheduler.Snapshot{}, fmt.Errorf("decode task %s: %w", id, err)
		}
		if at, err := time.Parse(time.RFC3339Nano, stamp); err == nil && at.After(snap.ExportedAt) {
			snap.ExportedAt = at
		}

		switch bucket {
		case scheduler.BucketScheduled:
			snap.Scheduled[id] = e
		case scheduler.BucketQueued:
			snap.Queued = append(snap.Queued, e)
		case scheduler.BucketActive:
			snap.Active[id] = e
		case scheduler.BucketCompleted:
			snap.Completed[id] = e
		case scheduler.BucketFailed:
			snap.Failed[id] = e
		default:
			return scheduler.Snapshot{}, fmt.Errorf("task %s has unknown bucket %q", id, bucket)
		}
	}
	if err := rows.Err(); err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("read snapshot rows: %w", err)
	}
	return snap, nil
}

// Close releases the connection pool if OpenSQL created it.
func (s *SQLStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
