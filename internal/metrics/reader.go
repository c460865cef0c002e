package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/owui/gateway-core/pkg/models"
)

// Reader serves the dashboard's read queries against a persisted metrics
// database. Per spec, dashboard reads are allowed to be stale but must
// explicitly reload from the file before each read rather than holding a
// long-lived connection that could cache a snapshot — so each method
// opens a fresh connection, queries, and closes it, modeling the
// dashboard as a separate reader process re-opening the store file.
type Reader struct {
	path string
}

// NewReader builds a Reader against the metrics database at path. path
// must be a real file (":memory:" is a writer-only construct — a fresh
// in-memory connection per read would always be empty).
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

func (r *Reader) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", r.path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("metrics: open reader connection: %w", err)
	}
	return db, nil
}

// RecentRequests returns up to limit of the most recently started
// requests, newest first.
func (r *Reader) RecentRequests(ctx context.Context, limit int) ([]models.RequestRecord, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, user_id, instance_id, model, provider, status,
		       input_tokens, output_tokens, cached_input_tokens, cache_write_tokens,
		       cost_usd, started_at, duration_ns, error
		FROM requests ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("metrics: query recent requests: %w", err)
	}
	defer rows.Close()

	var out []models.RequestRecord
	for rows.Next() {
		var rec models.RequestRecord
		var instanceID, errText sql.NullString
		var durationNS int64
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.UserID, &instanceID, &rec.Model, &rec.Provider,
			&rec.Status, &rec.InputTokens, &rec.OutputTokens, &rec.CachedInputTokens, &rec.CacheWriteTokens,
			&rec.CostUSD, &rec.StartedAt, &durationNS, &errText); err != nil {
			return nil, fmt.Errorf("metrics: scan request row: %w", err)
		}
		rec.InstanceID = instanceID.String
		rec.Error = errText.String
		rec.Duration = time.Duration(durationNS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ToolCallsForRequest returns every tool-call row recorded for requestID.
func (r *Reader) ToolCallsForRequest(ctx context.Context, requestID string) ([]models.ToolCallRecord, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT request_id, name, arguments_digest, duration_ns, status
		FROM tool_calls WHERE request_id = ?`, requestID)
	if err != nil {
		return nil, fmt.Errorf("metrics: query tool calls: %w", err)
	}
	defer rows.Close()

	var out []models.ToolCallRecord
	for rows.Next() {
		var rec models.ToolCallRecord
		var durationNS int64
		if err := rows.Scan(&rec.RequestID, &rec.Name, &rec.ArgumentsDigest, &durationNS, &rec.Status); err != nil {
			return nil, fmt.Errorf("metrics: scan tool call row: %w", err)
		}
		rec.Duration = time.Duration(durationNS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Totals summarizes request counts and cost across the whole store.
type Totals struct {
	RequestCount int64
	TotalCostUSD float64
	TotalTokens  int64
}

// Totals computes aggregate counters across every recorded request.
func (r *Reader) Totals(ctx context.Context) (Totals, error) {
	db, err := r.open()
	if err != nil {
		return Totals{}, err
	}
	defer db.Close()

	var t Totals
	row := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(cost_usd), 0), COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM requests`)
	if err := row.Scan(&t.RequestCount, &t.TotalCostUSD, &t.TotalTokens); err != nil {
		return Totals{}, fmt.Errorf("metrics: query totals: %w", err)
	}
	return t, nil
}
