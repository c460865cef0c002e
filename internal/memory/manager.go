// Package memory implements the per-user short-fact store injected into
// the system prompt on each request.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/owui/gateway-core/internal/agent"
	"github.com/owui/gateway-core/pkg/models"
)

// Manager is a character-budgeted key-value store of UserMemory rows,
// keyed by user id. Writes for a given user are serialized through a
// per-user lock so the budget check-then-write is atomic without
// blocking unrelated users against each other.
type Manager struct {
	db        *sql.DB
	maxChars  int
	userLocks keyedMutex
}

// Config configures the Memory Store.
type Config struct {
	// Path is the sqlite database file path, or ":memory:".
	Path string `yaml:"path"`

	// MaxChars is the per-user character budget (MAX_MEMORY_CHARS).
	MaxChars int `yaml:"max_chars"`
}

// NewManager opens (creating if needed) the memory store.
func NewManager(cfg Config) (*Manager, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = 4000
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}

	m := &Manager{db: db, maxChars: maxChars}
	if err := m.init(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) init() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS user_memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("memory: create table: %w", err)
	}
	_, err = m.db.Exec(`CREATE INDEX IF NOT EXISTS idx_user_memories_user ON user_memories(user_id)`)
	if err != nil {
		return fmt.Errorf("memory: create index: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (m *Manager) Close() error { return m.db.Close() }

// Create inserts a new memory for userID, failing with KindBudgetExceeded
// if it would push the user's total character count over the budget.
func (m *Manager) Create(ctx context.Context, userID, text string) (models.UserMemory, error) {
	unlock := m.userLocks.Lock(userID)
	defer unlock()

	total, err := m.totalChars(ctx, userID)
	if err != nil {
		return models.UserMemory{}, err
	}
	if total+len(text) > m.maxChars {
		return models.UserMemory{}, agent.NewKindError(agent.KindBudgetExceeded,
			fmt.Errorf("memory: user %s budget %d exceeded (have %d, adding %d)", userID, m.maxChars, total, len(text)))
	}

	now := time.Now()
	mem := models.UserMemory{UserID: userID, ID: uuid.NewString(), Text: text, CreatedAt: now, UpdatedAt: now}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO user_memories (id, user_id, text, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		mem.ID, mem.UserID, mem.Text, mem.CreatedAt, mem.UpdatedAt)
	if err != nil {
		return models.UserMemory{}, fmt.Errorf("memory: insert: %w", err)
	}
	return mem, nil
}

// Update replaces the text of an existing memory, failing with
// KindBudgetExceeded if the replacement would push the user's total over
// budget. The entry being replaced is excluded from the existing total
// before the check, so shrinking a memory always succeeds.
func (m *Manager) Update(ctx context.Context, userID, id, text string) (models.UserMemory, error) {
	unlock := m.userLocks.Lock(userID)
	defer unlock()

	var existing string
	err := m.db.QueryRowContext(ctx,
		`SELECT text FROM user_memories WHERE id = ? AND user_id = ?`, id, userID).Scan(&existing)
	if err == sql.ErrNoRows {
		return models.UserMemory{}, fmt.Errorf("memory: %s not found for user %s", id, userID)
	}
	if err != nil {
		return models.UserMemory{}, fmt.Errorf("memory: lookup: %w", err)
	}

	total, err := m.totalChars(ctx, userID)
	if err != nil {
		return models.UserMemory{}, err
	}
	total -= len(existing)
	if total+len(text) > m.maxChars {
		return models.UserMemory{}, agent.NewKindError(agent.KindBudgetExceeded,
			fmt.Errorf("memory: user %s budget %d exceeded (have %d, replacing with %d)", userID, m.maxChars, total, len(text)))
	}

	now := time.Now()
	_, err = m.db.ExecContext(ctx,
		`UPDATE user_memories SET text = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		text, now, id, userID)
	if err != nil {
		return models.UserMemory{}, fmt.Errorf("memory: update: %w", err)
	}
	return models.UserMemory{UserID: userID, ID: id, Text: text, UpdatedAt: now}, nil
}

// Delete removes a memory by id, scoped to userID.
func (m *Manager) Delete(ctx context.Context, userID, id string) error {
	unlock := m.userLocks.Lock(userID)
	defer unlock()

	res, err := m.db.ExecContext(ctx, `DELETE FROM user_memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("memory: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory: %s not found for user %s", id, userID)
	}
	return nil
}

// Retrieve returns every memory for userID, ordered by creation time.
func (m *Manager) Retrieve(ctx context.Context, userID string) ([]models.UserMemory, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, user_id, text, created_at, updated_at FROM user_memories WHERE user_id = ? ORDER BY created_at ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve: %w", err)
	}
	defer rows.Close()

	var out []models.UserMemory
	for rows.Next() {
		var mem models.UserMemory
		if err := rows.Scan(&mem.ID, &mem.UserID, &mem.Text, &mem.CreatedAt, &mem.UpdatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan: %w", err)
		}
		out = append(out, mem)
	}
	return out, rows.Err()
}

func (m *Manager) totalChars(ctx context.Context, userID string) (int, error) {
	var total sql.NullInt64
	err := m.db.QueryRowContext(ctx,
		`SELECT SUM(LENGTH(text)) FROM user_memories WHERE user_id = ?`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("memory: total: %w", err)
	}
	return int(total.Int64), nil
}

// keyedMutex hands out a per-key lock, lazily created, so unrelated keys
// never block each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock acquires the lock for key and returns a function that releases it.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
