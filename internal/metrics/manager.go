// Package metrics implements the Metrics Recorder: an append-only
// sqlite log of chat requests and their tool calls, served through a
// single writer goroutine, plus a Prometheus exposition of the same
// counters for live scraping.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/owui/gateway-core/pkg/models"
)

// Config configures the Metrics Recorder.
type Config struct {
	// DatabasePath is the sqlite database file path, or ":memory:".
	DatabasePath string `yaml:"database_path"`

	// QueueDepth bounds the writer channel; RecordRequest/RecordToolCall
	// drop the record (never block) if the queue is full.
	QueueDepth int `yaml:"queue_depth"`
}

// Manager is the single owner of the metrics store: RecordRequest and
// RecordToolCall enqueue onto a channel drained by one writer goroutine,
// so concurrent callers never contend on the database directly. It also
// mirrors every record onto a private Prometheus registry.
type Manager struct {
	db   *sql.DB
	path string

	queue chan any
	wg    sync.WaitGroup

	prom *promCollectors
}

type requestWrite struct{ rec models.RequestRecord }
type toolCallWrite struct{ rec models.ToolCallRecord }

// NewManager opens (creating if needed) the metrics store and starts its
// writer goroutine.
func NewManager(cfg Config) (*Manager, error) {
	path := cfg.DatabasePath
	if path == "" {
		path = ":memory:"
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("metrics: open database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics: enable WAL: %w", err)
	}

	m := &Manager{
		db:    db,
		path:  path,
		queue: make(chan any, depth),
		prom:  newPromCollectors(),
	}
	if err := m.init(); err != nil {
		db.Close()
		return nil, err
	}

	m.wg.Add(1)
	go m.runWriter()

	return m, nil
}

func (m *Manager) init() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			instance_id TEXT,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			status TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cached_input_tokens INTEGER NOT NULL,
			cache_write_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			started_at DATETIME NOT NULL,
			duration_ns INTEGER NOT NULL,
			error TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("metrics: create requests table: %w", err)
	}
	_, err = m.db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_calls (
			request_id TEXT NOT NULL,
			name TEXT NOT NULL,
			arguments_digest TEXT NOT NULL,
			duration_ns INTEGER NOT NULL,
			status TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("metrics: create tool_calls table: %w", err)
	}
	return nil
}

// runWriter is the metrics store's single writer goroutine. It drains the
// queue until it is closed, so every enqueued record is persisted before
// Close returns.
func (m *Manager) runWriter() {
	defer m.wg.Done()
	for item := range m.queue {
		switch w := item.(type) {
		case requestWrite:
			m.writeRequest(w.rec)
		case toolCallWrite:
			m.writeToolCall(w.rec)
		case func():
			w()
		}
	}
}

func (m *Manager) writeRequest(rec models.RequestRecord) {
	_, err := m.db.Exec(`
		INSERT INTO requests (
			id, conversation_id, user_id, instance_id, model, provider, status,
			input_tokens, output_tokens, cached_input_tokens, cache_write_tokens,
			cost_usd, started_at, duration_ns, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.UserID, rec.InstanceID, rec.Model, rec.Provider, rec.Status,
		rec.InputTokens, rec.OutputTokens, rec.CachedInputTokens, rec.CacheWriteTokens,
		rec.CostUSD, rec.StartedAt, rec.Duration.Nanoseconds(), rec.Error)
	if err != nil {
		// The writer goroutine has no caller to return an error to; a
		// dropped metrics row is not worth crashing the request over.
		return
	}
}

func (m *Manager) writeToolCall(rec models.ToolCallRecord) {
	_, _ = m.db.Exec(`
		INSERT INTO tool_calls (request_id, name, arguments_digest, duration_ns, status)
		VALUES (?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Name, rec.ArgumentsDigest, rec.Duration.Nanoseconds(), rec.Status)
}

// RecordRequest enqueues a finalized request row and updates the
// Prometheus counters synchronously. Never blocks: a full queue drops
// the persisted row (the Prometheus counters still see it).
func (m *Manager) RecordRequest(rec models.RequestRecord) {
	m.prom.observeRequest(rec)
	select {
	case m.queue <- requestWrite{rec}:
	default:
	}
}

// RecordToolCall enqueues a tool-call row and updates the Prometheus
// counters synchronously. Implements agent.MetricsRecorder.
func (m *Manager) RecordToolCall(rec models.ToolCallRecord) {
	m.prom.observeToolCall(rec)
	select {
	case m.queue <- toolCallWrite{rec}:
	default:
	}
}

// Close stops accepting new records, waits for the writer goroutine to
// drain the queue, and closes the database.
func (m *Manager) Close() error {
	close(m.queue)
	m.wg.Wait()
	return m.db.Close()
}

// flushForTest blocks until every record enqueued so far has been
// written, by pushing a marker through the queue and waiting for it to
// be processed. Used only by this package's own tests, which otherwise
// have no way to observe when the async writer has caught up.
func (m *Manager) flushForTest(ctx context.Context) error {
	done := make(chan struct{})
	m.queue <- func() { close(done) }
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
