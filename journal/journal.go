// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/supervisor/lib/clock"
	"github.com/bureau-foundation/supervisor/lib/codec"
	"github.com/bureau-foundation/supervisor/lib/sqlitepool"
)

var (
	// ErrJournalFailed wraps every Append error after a write failure.
	ErrJournalFailed = errors.New("journal: write failed")

	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("journal: closed")
)

const (
	mailboxDepth = 256
	maxBatch     = 128
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	sequence     INTEGER PRIMARY KEY,
	timestamp_ns INTEGER NOT NULL,
	kind         TEXT    NOT NULL,
	compression  INTEGER NOT NULL,
	payload      BLOB    NOT NULL
);
`

// FileName returns the journal file name for a session started at t.
func FileName(t time.Time) string {
	return "journal-" + t.Format("20060102-150405") + ".db"
}

// Config holds the parameters for opening a journal.
type Config struct {
	// Directory receives a new file named by [FileName]. Ignored when
	// Path is set.
	Directory string

	// Path opens a specific file, continuing its sequence.
	Path string

	// CompressThreshold is the encoded payload size at or above which
	// output and broadcast payloads are compressed. Zero disables
	// compression.
	CompressThreshold int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Appender is the write side of a journal.
type Appender interface {
	Append(ctx context.Context, kind Kind, payload any) (Entry, error)
}

// Journal is the single-writer funnel. It is safe for concurrent use.
type Journal struct {
	pool       *sqlitepool.Pool
	path       string
	clock      clock.Clock
	logger     *slog.Logger
	compressor *compressor

	mailbox   chan *request
	closing   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error

	failMu  sync.Mutex
	failure error
}

type request struct {
	kind        Kind
	payload     []byte
	stored      []byte
	compression Compression
	reply       chan result
}

type result struct {
	entry Entry
	err   error
}

// Open creates or opens the journal file and starts the writer.
func Open(config Config) (*Journal, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	path := config.Path
	if path == "" {
		if config.Directory == "" {
			return nil, errors.New("journal: Directory or Path is required")
		}
		if err := os.MkdirAll(config.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("journal: creating directory: %w", err)
		}
		path = filepath.Join(config.Directory, FileName(config.Clock.Now()))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        path,
		PoolSize:    2,
		Synchronous: sqlitepool.SynchronousFull,
		Logger:      config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	compressor, err := newCompressor(config.CompressThreshold)
	if err != nil {
		pool.Close()
		return nil, err
	}

	// The writer connection is held for the journal's lifetime so
	// readers always have the second one.
	conn, err := pool.Take(context.Background())
	if err != nil {
		compressor.close()
		pool.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}
	next, err := prepare(conn)
	if err != nil {
		pool.Put(conn)
		compressor.close()
		pool.Close()
		return nil, fmt.Errorf("journal: preparing %s: %w", path, err)
	}

	journal := &Journal{
		pool:       pool,
		path:       path,
		clock:      config.Clock,
		logger:     config.Logger.With("journal", path),
		compressor: compressor,
		mailbox:    make(chan *request, mailboxDepth),
		closing:    make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go journal.run(conn, next)
	journal.logger.Info("journal opened", "next_sequence", next)
	return journal, nil
}

// prepare creates the schema and returns the next sequence number.
func prepare(conn *sqlite.Conn) (uint64, error) {
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return 0, err
	}
	var last int64
	err := sqlitex.Execute(conn, "SELECT COALESCE(MAX(sequence), 0) FROM entries", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			last = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return uint64(last) + 1, nil
}

// Path is the journal's database file.
func (j *Journal) Path() string { return j.path }

// Append encodes payload, waits for it to be persisted, and returns the
// stored entry. Encoding and compression run on the caller's goroutine.
func (j *Journal) Append(ctx context.Context, kind Kind, payload any) (Entry, error) {
	if err := j.Err(); err != nil {
		return Entry{}, err
	}
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: encoding %s payload: %w", kind, err)
	}
	stored, compression := j.compressor.compress(kind, encoded)
	request := &request{
		kind:        kind,
		payload:     encoded,
		stored:      stored,
		compression: compression,
		reply:       make(chan result, 1),
	}

	select {
	case <-j.closing:
		return Entry{}, ErrClosed
	default:
	}
	select {
	case j.mailbox <- request:
	case <-j.closing:
		return Entry{}, ErrClosed
	case <-j.stopped:
		return Entry{}, j.stoppedError()
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}

	// Once enqueued the entry may be persisted regardless of ctx, so
	// only the writer stopping ends the wait.
	select {
	case result := <-request.reply:
		return result.entry, result.err
	case <-j.stopped:
		select {
		case result := <-request.reply:
			return result.entry, result.err
		default:
			return Entry{}, j.stoppedError()
		}
	}
}

// Err returns the write failure that stopped the journal, or nil.
func (j *Journal) Err() error {
	j.failMu.Lock()
	defer j.failMu.Unlock()
	return j.failure
}

// Done is closed when the writer stops, after Close or a write
// failure.
func (j *Journal) Done() <-chan struct{} { return j.stopped }

func (j *Journal) stoppedError() error {
	if err := j.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// Close drains pending appends, persists them, and closes the store.
// It returns the write failure, if any, or the close error.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		close(j.closing)
		<-j.stopped
	})
	return j.closeErr
}

func (j *Journal) run(conn *sqlite.Conn, next uint64) {
	batch := make([]*request, 0, maxBatch)
	for {
		select {
		case first := <-j.mailbox:
			batch = append(batch[:0], first)
			batch = j.collect(batch, maxBatch)
			next = j.commit(conn, next, batch)
			if j.Err() != nil {
				j.shutdown(conn)
				return
			}
		case <-j.closing:
			for {
				batch = j.collect(batch[:0], maxBatch)
				if len(batch) == 0 {
					break
				}
				next = j.commit(conn, next, batch)
			}
			j.shutdown(conn)
			return
		}
	}
}

// collect adds already-queued requests to batch without blocking.
func (j *Journal) collect(batch []*request, limit int) []*request {
	for len(batch) < limit {
		select {
		case request := <-j.mailbox:
			batch = append(batch, request)
		default:
			return batch
		}
	}
	return batch
}

// commit persists batch in one transaction and answers every request.
// It returns the next unassigned sequence number.
func (j *Journal) commit(conn *sqlite.Conn, next uint64, batch []*request) uint64 {
	if failure := j.Err(); failure != nil {
		for _, request := range batch {
			request.reply <- result{err: failure}
		}
		return next
	}

	now := j.clock.Now()
	entries := make([]Entry, len(batch))
	for i, request := range batch {
		entries[i] = Entry{
			Sequence:    next + uint64(i),
			Timestamp:   now,
			Kind:        request.kind,
			Compression: request.compression,
			Payload:     request.payload,
		}
	}

	if err := j.insert(conn, batch, entries); err != nil {
		failure := fmt.Errorf("%w: %w", ErrJournalFailed, err)
		j.failMu.Lock()
		j.failure = failure
		j.failMu.Unlock()
		j.logger.Error("journal write failed", "error", err, "batch", len(batch))
		for _, request := range batch {
			request.reply <- result{err: failure}
		}
		return next
	}
	for i, request := range batch {
		request.reply <- result{entry: entries[i]}
	}
	return next + uint64(len(batch))
}

func (j *Journal) insert(conn *sqlite.Conn, batch []*request, entries []Entry) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)
	for i, request := range batch {
		err = sqlitex.Execute(conn,
			"INSERT INTO entries (sequence, timestamp_ns, kind, compression, payload) VALUES (?, ?, ?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{
					int64(entries[i].Sequence),
					entries[i].Timestamp.UnixNano(),
					string(request.kind),
					int64(request.compression),
					request.stored,
				},
			})
		if err != nil {
			return fmt.Errorf("inserting entry %d: %w", entries[i].Sequence, err)
		}
	}
	return nil
}

// shutdown fails anything still queued, releases the store and
// records the close result.
func (j *Journal) shutdown(conn *sqlite.Conn) {
	failure := j.Err()
	if failure != nil {
	drain:
		for {
			select {
			case request := <-j.mailbox:
				request.reply <- result{err: failure}
			default:
				break drain
			}
		}
	}
	j.pool.Put(conn)
	closeErr := j.pool.Close()
	j.compressor.close()
	switch {
	case failure != nil:
		j.closeErr = failure
	case closeErr != nil:
		j.closeErr = fmt.Errorf("journal: %w", closeErr)
	}
	j.logger.Info("journal closed", "error", j.closeErr)
	close(j.stopped)
}

// Entries returns persisted entries with sequence >= from in order.
func (j *Journal) Entries(ctx context.Context, from uint64) ([]Entry, error) {
	select {
	case <-j.stopped:
		return nil, ErrClosed
	default:
	}
	conn, err := j.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	defer j.pool.Put(conn)
	var entries []Entry
	err = scan(conn, from, j.compressor, func(entry Entry) error {
		entries = append(entries, entry)
		return nil
	})
	return entries, err
}

func scan(conn *sqlite.Conn, from uint64, decompressor *compressor, visit func(Entry) error) error {
	err := sqlitex.Execute(conn,
		"SELECT sequence, timestamp_ns, kind, compression, payload FROM entries WHERE sequence >= ? ORDER BY sequence",
		&sqlitex.ExecOptions{
			Args: []any{int64(from)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry := Entry{
					Sequence:    uint64(stmt.ColumnInt64(0)),
					Timestamp:   time.Unix(0, stmt.ColumnInt64(1)),
					Kind:        Kind(stmt.ColumnText(2)),
					Compression: Compression(stmt.ColumnInt64(3)),
				}
				stored := make([]byte, stmt.ColumnLen(4))
				stmt.ColumnBytes(4, stored)
				payload, err := decompressor.decompress(entry.Compression, stored)
				if err != nil {
					return fmt.Errorf("entry %d: %w", entry.Sequence, err)
				}
				entry.Payload = payload
				return visit(entry)
			},
		})
	if err != nil {
		return fmt.Errorf("journal: reading entries: %w", err)
	}
	return nil
}

// ReadFile visits the entries of a journal file with sequence >= from.
// It does not require the writing supervisor to have exited.
func ReadFile(ctx context.Context, path string, from uint64, visit func(Entry) error) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 1})
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer pool.Close()
	decompressor, err := newCompressor(0)
	if err != nil {
		return err
	}
	defer decompressor.close()
	conn, err := pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer pool.Put(conn)
	return scan(conn, from, decompressor, visit)
}
