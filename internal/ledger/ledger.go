// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package ledger records finished compile jobs in a SQLite database.
package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	"zb.256lights.llc/dcc/internal/jobstats"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrNotFound is returned by [*Ledger.Get] when no job has the given ID.
var ErrNotFound = errors.New("job not found")

// Entry is a finished job.
type Entry struct {
	ID           uuid.UUID
	JobID        uint32
	Client       string
	Platform     string
	Environment  string
	Compiler     string
	OutputFile   string
	DWARFFission bool
	StartedAt    time.Time
	EndedAt      time.Time
	// Status is the worker's exit status.
	Status int
	// Stats is nil if the worker did not report statistics.
	Stats *jobstats.Stats
}

// Ledger is a database of finished jobs.
// It is safe to use from multiple goroutines.
type Ledger struct {
	db *sqlitemigration.Pool
}

// Open opens the ledger database at path,
// creating and migrating it as needed.
// Migration happens in the background;
// the first use of the ledger waits for it.
func Open(path string) *Ledger {
	return &Ledger{
		db: sqlitemigration.NewPool(path, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "Migrating job ledger...")
			},
			OnReady: func() {
				log.Debugf(context.Background(), "Job ledger ready")
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "Job ledger migration: %v", err)
			},
		}),
	}
}

// Close releases the database connections.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record adds a finished job to the ledger.
func (l *Ledger) Record(ctx context.Context, e *Entry) (err error) {
	conn, err := l.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("record job %v: %v", e.ID, err)
	}
	defer l.db.Put(conn)

	named := map[string]any{
		":id":            e.ID.String(),
		":job_id":        int64(e.JobID),
		":client":        e.Client,
		":platform":      e.Platform,
		":environment":   e.Environment,
		":compiler":      e.Compiler,
		":output_file":   e.OutputFile,
		":dwarf_fission": e.DWARFFission,
		":started_at":    e.StartedAt.UnixMilli(),
		":ended_at":      e.EndedAt.UnixMilli(),
		":status":        int64(e.Status),
		":has_stats":     e.Stats != nil,
	}
	var stats jobstats.Stats
	if e.Stats != nil {
		stats = *e.Stats
	}
	for i, x := range stats {
		named[":"+jobstats.Index(i).String()] = int64(x)
	}
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "insert.sql", &sqlitex.ExecOptions{
		Named: named,
	})
	if err != nil {
		return fmt.Errorf("record job %v: %v", e.ID, err)
	}
	return nil
}

// Get returns the job with the given ID.
// If there is no such job, Get returns an error that wraps [ErrNotFound].
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	conn, err := l.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("get job %v: %v", id, err)
	}
	defer l.db.Put(conn)

	var e *Entry
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "find.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id": id.String(),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			e, err = scanEntry(stmt)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get job %v: %v", id, err)
	}
	if e == nil {
		return nil, fmt.Errorf("get job %v: %w", id, ErrNotFound)
	}
	return e, nil
}

// Recent returns up to limit of the most recently finished jobs,
// newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	conn, err := l.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %v", err)
	}
	defer l.db.Put(conn)

	result := make([]*Entry, 0, limit)
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "recent.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":n": limit,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e, err := scanEntry(stmt)
			if err != nil {
				return err
			}
			result = append(result, e)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %v", err)
	}
	return result, nil
}

// Prune deletes jobs that ended before cutoff
// and returns the number of jobs deleted.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (n int, err error) {
	conn, err := l.db.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune job ledger: %v", err)
	}
	defer l.db.Put(conn)

	err = sqlitex.ExecuteFS(conn, sqlFiles(), "prune.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":cutoff": cutoff.UnixMilli(),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("prune job ledger: %v", err)
	}
	return conn.Changes(), nil
}

func scanEntry(stmt *sqlite.Stmt) (*Entry, error) {
	id, err := uuid.Parse(stmt.GetText("id"))
	if err != nil {
		return nil, fmt.Errorf("id: %v", err)
	}
	e := &Entry{
		ID:           id,
		JobID:        uint32(stmt.GetInt64("job_id")),
		Client:       stmt.GetText("client"),
		Platform:     stmt.GetText("platform"),
		Environment:  stmt.GetText("environment"),
		Compiler:     stmt.GetText("compiler"),
		OutputFile:   stmt.GetText("output_file"),
		DWARFFission: stmt.GetBool("dwarf_fission"),
		StartedAt:    time.UnixMilli(stmt.GetInt64("started_at")).UTC(),
		EndedAt:      time.UnixMilli(stmt.GetInt64("ended_at")).UTC(),
		Status:       int(stmt.GetInt64("status")),
	}
	if stmt.GetBool("has_stats") {
		e.Stats = new(jobstats.Stats)
		for i := range e.Stats {
			e.Stats[i] = uint32(stmt.GetInt64(jobstats.Index(i).String()))
		}
	}
	return e, nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout = 5000;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var loadSchema = sync.OnceValue(func() sqlitemigration.Schema {
	var schema sqlitemigration.Schema
	for i := 1; ; i++ {
		migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			panic(err)
		}
		schema.Migrations = append(schema.Migrations, string(migration))
	}
	return schema
})
