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

// Package persistence saves and restores scheduler snapshots so queued and
// finished tasks survive a restart.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"taskorchestrator/src/logging"
	"taskorchestrator/src/scheduler"
)

// Supported snapshot drivers.
const (
	DriverNone     = "none"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

var ErrUnknownDriver = errors.New("unknown snapshot driver")

type SnapshotStore interface {
	Save(ctx context.Context, snap scheduler.Snapshot) error
	Load(ctx context.Context) (scheduler.Snapshot, error)
	Close() error
}

// Open returns the store for driver. target is a file path for the file
// driver and a data source name for the SQL drivers.
func Open(ctx context.Context, driver, target string) (SnapshotStore, error) {
	switch driver {
	case DriverFile:
		return NewFileStore(target), nil
	case DriverPostgres, DriverSQLite:
		return OpenSQL(ctx, driver, target)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// FileStore keeps the snapshot as one JSON document.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

// Save writes snap next to the target and renames it into place, so a
// crash mid-write leaves the previous snapshot intact.
func (s *FileStore) Save(_ context.Context, snap scheduler.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := snap.WriteJSON(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}
	logging.Log(fmt.Sprintf("Saved %d tasks to %s", snap.Len(), s.path), slog.LevelInfo)
	return nil
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (s *FileStore) Load(_ context.Context) (scheduler.Snapshot, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return scheduler.NewSnapshot(), nil
	}
	if err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()
	return scheduler.ReadSnapshot(f)
}

func (s *FileStore) Close() error {
	return nil
}
