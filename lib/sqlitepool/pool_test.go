// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/supervisor/lib/sqlitepool"
)

func queryInt(t *testing.T, conn *sqlite.Conn, query string) int {
	t.Helper()
	var value int
	err := sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return value
}

func TestSynchronousLevels(t *testing.T) {
	tests := []struct {
		level sqlitepool.Synchronous
		want  int
	}{
		{"", 1},
		{sqlitepool.SynchronousNormal, 1},
		{sqlitepool.SynchronousFull, 2},
	}
	for _, test := range tests {
		t.Run(string(test.level), func(t *testing.T) {
			pool, err := sqlitepool.Open(sqlitepool.Config{
				Path:        filepath.Join(t.TempDir(), "test.db"),
				Synchronous: test.level,
			})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer pool.Close()

			conn, err := pool.Take(context.Background())
			if err != nil {
				t.Fatalf("Take: %v", err)
			}
			defer pool.Put(conn)

			if got := queryInt(t, conn, "PRAGMA synchronous"); got != test.want {
				t.Errorf("synchronous = %d, want %d", got, test.want)
			}
		})
	}
}

func TestOnConnectCreatesSchema(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, `CREATE TABLE IF NOT EXISTS samples (value INTEGER);`, nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteTransient(conn, "INSERT INTO samples VALUES (7)", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := queryInt(t, conn, "SELECT value FROM samples"); got != 7 {
		t.Errorf("value = %d, want 7", got)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Error("Open with empty path succeeded")
	}
	if _, err := sqlitepool.Open(sqlitepool.Config{Path: filepath.Join(t.TempDir(), "x.db"), Synchronous: "EXTRA"}); err == nil {
		t.Error("Open with unsupported synchronous level succeeded")
	}
}
