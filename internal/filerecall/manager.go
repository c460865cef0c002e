// Package filerecall implements the File Recall Manager: per-tenant
// document search backed by an upstream vector-search provider, with
// content-hash deduplication of uploads.
package filerecall

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/owui/gateway-core/pkg/models"
)

// Config configures the File Recall Manager.
type Config struct {
	// DBPath is the sqlite database file path, or ":memory:".
	DBPath string `yaml:"db_path"`

	// Root is the local document storage root, e.g. "data/file-recall".
	Root string `yaml:"root"`

	// newProvider builds the upstream vector-search client for a given
	// tenant's API key. Overridden in tests with a fake.
	newProvider func(apiKey string) VectorSearchProvider
}

// UploadFile is one caller-supplied file to Upload.
type UploadFile struct {
	Name    string
	Content []byte
}

// Manager owns tenant and document bookkeeping and routes uploads/
// searches through each tenant's VectorSearchProvider.
type Manager struct {
	db          *sql.DB
	root        string
	newProvider func(apiKey string) VectorSearchProvider

	// uploadLocks serializes the check-then-write of one (tenant, sha256)
	// pair so two identical concurrent uploads never both observe "not
	// present" and both upload upstream.
	uploadLocks keyedMutex

	// storeLocks serializes the lazy-create-vector-store-for-tenant check
	// so two concurrent first uploads for the same tenant never both
	// observe an empty VectorStoreID and both create an upstream store.
	storeLocks keyedMutex

	providerMu sync.Mutex
	providers  map[string]VectorSearchProvider
}

// NewManager opens (creating if needed) the File Recall store.
func NewManager(cfg Config) (*Manager, error) {
	path := cfg.DBPath
	if path == "" {
		path = ":memory:"
	}
	root := cfg.Root
	if root == "" {
		root = "data/file-recall"
	}
	newProvider := cfg.newProvider
	if newProvider == nil {
		newProvider = func(apiKey string) VectorSearchProvider { return newOpenAIVectorSearch(apiKey) }
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("filerecall: open database: %w", err)
	}

	m := &Manager{
		db:          db,
		root:        root,
		newProvider: newProvider,
		providers:   make(map[string]VectorSearchProvider),
	}
	if err := m.init(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) init() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS filerecall_tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			upstream_key TEXT NOT NULL,
			vector_store_id TEXT,
			access_token TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("filerecall: create tenants table: %w", err)
	}
	_, err = m.db.Exec(`
		CREATE TABLE IF NOT EXISTS filerecall_documents (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			extension TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			upstream_file_id TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE(tenant_id, sha256)
		)
	`)
	if err != nil {
		return fmt.Errorf("filerecall: create documents table: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (m *Manager) Close() error { return m.db.Close() }

// CreateTenant persists a new tenant row and returns its generated access
// token. It does not create an upstream vector store yet — that happens
// lazily on first upload.
func (m *Manager) CreateTenant(ctx context.Context, id, name, upstreamAPIKey string) (models.FileRecallTenant, error) {
	token, err := generateAccessToken()
	if err != nil {
		return models.FileRecallTenant{}, err
	}

	tenant := models.FileRecallTenant{
		ID:          id,
		Name:        name,
		UpstreamKey: upstreamAPIKey,
		AccessToken: token,
		CreatedAt:   time.Now(),
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO filerecall_tenants (id, name, upstream_key, access_token, created_at) VALUES (?, ?, ?, ?, ?)`,
		tenant.ID, tenant.Name, tenant.UpstreamKey, tenant.AccessToken, tenant.CreatedAt)
	if err != nil {
		return models.FileRecallTenant{}, fmt.Errorf("filerecall: insert tenant: %w", err)
	}
	return tenant, nil
}

// TenantByAccessToken resolves the tenant owning token, for the HTTP
// layer's tenant-scoped auth.
func (m *Manager) TenantByAccessToken(ctx context.Context, token string) (models.FileRecallTenant, error) {
	return m.loadTenant(ctx, `SELECT id, name, upstream_key, vector_store_id, access_token, created_at FROM filerecall_tenants WHERE access_token = ?`, token)
}

func (m *Manager) tenantByID(ctx context.Context, id string) (models.FileRecallTenant, error) {
	return m.loadTenant(ctx, `SELECT id, name, upstream_key, vector_store_id, access_token, created_at FROM filerecall_tenants WHERE id = ?`, id)
}

// GetTenant resolves a tenant by its admin-facing id, for the HTTP layer's
// GET /api/v1/file-recall/instances/:id.
func (m *Manager) GetTenant(ctx context.Context, id string) (models.FileRecallTenant, error) {
	return m.tenantByID(ctx, id)
}

// UpdateTenant renames a tenant and/or rotates its upstream API key. An
// empty name or upstreamAPIKey leaves that field unchanged.
func (m *Manager) UpdateTenant(ctx context.Context, id, name, upstreamAPIKey string) (models.FileRecallTenant, error) {
	tenant, err := m.tenantByID(ctx, id)
	if err != nil {
		return models.FileRecallTenant{}, err
	}
	if name != "" {
		tenant.Name = name
	}
	if upstreamAPIKey != "" {
		tenant.UpstreamKey = upstreamAPIKey
	}
	if _, err := m.db.ExecContext(ctx,
		`UPDATE filerecall_tenants SET name = ?, upstream_key = ? WHERE id = ?`,
		tenant.Name, tenant.UpstreamKey, id); err != nil {
		return models.FileRecallTenant{}, fmt.Errorf("filerecall: update tenant: %w", err)
	}

	m.providerMu.Lock()
	delete(m.providers, id)
	m.providerMu.Unlock()
	return tenant, nil
}

// ListDocuments returns every document recorded for tenantID, newest first.
func (m *Manager) ListDocuments(ctx context.Context, tenantID string) ([]models.FileRecallDocument, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, tenant_id, display_name, sha256, extension, bytes, upstream_file_id, status, created_at
		 FROM filerecall_documents WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("filerecall: list documents: %w", err)
	}
	defer rows.Close()

	var out []models.FileRecallDocument
	for rows.Next() {
		var doc models.FileRecallDocument
		var upstream sql.NullString
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.DisplayName, &doc.SHA256, &doc.Extension, &doc.Bytes, &upstream, &doc.Status, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("filerecall: scan document row: %w", err)
		}
		doc.UpstreamFile = upstream.String
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (m *Manager) loadTenant(ctx context.Context, query string, arg string) (models.FileRecallTenant, error) {
	var t models.FileRecallTenant
	var storeID sql.NullString
	err := m.db.QueryRowContext(ctx, query, arg).Scan(&t.ID, &t.Name, &t.UpstreamKey, &storeID, &t.AccessToken, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return models.FileRecallTenant{}, fmt.Errorf("filerecall: tenant not found")
	}
	if err != nil {
		return models.FileRecallTenant{}, fmt.Errorf("filerecall: load tenant: %w", err)
	}
	t.VectorStoreID = storeID.String

	count, total, err := m.tenantTotals(ctx, t.ID)
	if err != nil {
		return models.FileRecallTenant{}, err
	}
	t.FileCount = count
	t.TotalBytes = total
	return t, nil
}

func (m *Manager) tenantTotals(ctx context.Context, tenantID string) (int, int64, error) {
	var count int
	var total sql.NullInt64
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(bytes) FROM filerecall_documents WHERE tenant_id = ?`, tenantID).Scan(&count, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("filerecall: tenant totals: %w", err)
	}
	return count, total.Int64, nil
}

func (m *Manager) providerFor(tenant models.FileRecallTenant) VectorSearchProvider {
	m.providerMu.Lock()
	defer m.providerMu.Unlock()
	if p, ok := m.providers[tenant.ID]; ok {
		return p
	}
	p := m.newProvider(tenant.UpstreamKey)
	m.providers[tenant.ID] = p
	return p
}

// ensureVectorStore lazily creates the tenant's upstream vector store on
// first use and persists its id. Safe to call repeatedly; a no-op once
// the store exists.
func (m *Manager) ensureVectorStore(ctx context.Context, tenant *models.FileRecallTenant, provider VectorSearchProvider) error {
	if tenant.VectorStoreID != "" {
		return nil
	}

	unlock := m.storeLocks.Lock(tenant.ID)
	defer unlock()

	// Re-check after acquiring the lock: a concurrent call may have
	// already created the store while this one was waiting.
	if existing, err := m.tenantByID(ctx, tenant.ID); err == nil && existing.VectorStoreID != "" {
		tenant.VectorStoreID = existing.VectorStoreID
		return nil
	}

	storeID, err := provider.CreateStore(ctx, "file-recall-"+tenant.ID)
	if err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, `UPDATE filerecall_tenants SET vector_store_id = ? WHERE id = ?`, storeID, tenant.ID); err != nil {
		return fmt.Errorf("filerecall: persist vector store id: %w", err)
	}
	tenant.VectorStoreID = storeID
	return nil
}

// Upload validates, deduplicates, and ingests each file in order, per
// spec.md §4.3.
func (m *Manager) Upload(ctx context.Context, tenantID string, files []UploadFile) ([]models.FileRecallUploadResult, error) {
	tenant, err := m.tenantByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	provider := m.providerFor(tenant)

	results := make([]models.FileRecallUploadResult, 0, len(files))
	for _, f := range files {
		results = append(results, m.uploadOne(ctx, &tenant, provider, f))
	}
	return results, nil
}

func (m *Manager) uploadOne(ctx context.Context, tenant *models.FileRecallTenant, provider VectorSearchProvider, f UploadFile) models.FileRecallUploadResult {
	if err := validateExtension(f.Name); err != nil {
		return models.FileRecallUploadResult{Action: models.FileRecallError, Message: err.Error()}
	}
	ext := extensionOf(f.Name)
	hash := sha256Hex(f.Content)

	if err := m.ensureVectorStore(ctx, tenant, provider); err != nil {
		return models.FileRecallUploadResult{Action: models.FileRecallError, Message: err.Error()}
	}

	unlock := m.uploadLocks.Lock(tenant.ID + ":" + hash)
	defer unlock()

	if existing, ok := m.existingDocument(ctx, tenant.ID, hash); ok {
		return models.FileRecallUploadResult{
			Action:   models.FileRecallSkipped,
			Message:  existing.DisplayName,
			Document: &existing,
		}
	}

	doc := models.FileRecallDocument{
		ID:          uuid.NewString(),
		TenantID:    tenant.ID,
		DisplayName: f.Name,
		SHA256:      hash,
		Extension:   ext,
		Bytes:       int64(len(f.Content)),
		Status:      models.FileRecallProcessing,
		CreatedAt:   time.Now(),
	}

	dir := hostDocumentDir(m.root, tenant.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.FileRecallUploadResult{Action: models.FileRecallError, Message: err.Error()}
	}
	path := dir + "/" + storedFilename(hash, ext)
	if err := os.WriteFile(path, f.Content, 0o644); err != nil {
		return models.FileRecallUploadResult{Action: models.FileRecallError, Message: err.Error()}
	}

	fileID, err := provider.UploadFile(ctx, storedFilename(hash, ext), f.Content)
	if err != nil {
		return models.FileRecallUploadResult{Action: models.FileRecallError, Message: err.Error()}
	}
	if err := provider.AttachFile(ctx, tenant.VectorStoreID, fileID); err != nil {
		return models.FileRecallUploadResult{Action: models.FileRecallError, Message: err.Error()}
	}
	doc.UpstreamFile = fileID
	doc.Status = models.FileRecallReady

	_, err = m.db.ExecContext(ctx,
		`INSERT INTO filerecall_documents (id, tenant_id, display_name, sha256, extension, bytes, upstream_file_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.TenantID, doc.DisplayName, doc.SHA256, doc.Extension, doc.Bytes, doc.UpstreamFile, doc.Status, doc.CreatedAt)
	if err != nil {
		return models.FileRecallUploadResult{Action: models.FileRecallError, Message: err.Error()}
	}

	return models.FileRecallUploadResult{Action: models.FileRecallUploaded, Document: &doc}
}

func (m *Manager) existingDocument(ctx context.Context, tenantID, hash string) (models.FileRecallDocument, bool) {
	var doc models.FileRecallDocument
	var upstream sql.NullString
	err := m.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, display_name, sha256, extension, bytes, upstream_file_id, status, created_at
		 FROM filerecall_documents WHERE tenant_id = ? AND sha256 = ?`, tenantID, hash).
		Scan(&doc.ID, &doc.TenantID, &doc.DisplayName, &doc.SHA256, &doc.Extension, &doc.Bytes, &upstream, &doc.Status, &doc.CreatedAt)
	if err != nil {
		return models.FileRecallDocument{}, false
	}
	doc.UpstreamFile = upstream.String
	return doc, true
}

// Search delegates to the tenant's upstream vector-search provider.
func (m *Manager) Search(ctx context.Context, tenantID, query string, maxResults int) ([]models.FileRecallSearchHit, error) {
	tenant, err := m.tenantByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.VectorStoreID == "" {
		return nil, nil
	}
	provider := m.providerFor(tenant)
	return provider.Search(ctx, tenant.VectorStoreID, query, maxResults)
}

// DeleteDocument removes a document from the upstream vector store and
// file storage, the local copy, and its row.
func (m *Manager) DeleteDocument(ctx context.Context, tenantID, docID string) error {
	tenant, err := m.tenantByID(ctx, tenantID)
	if err != nil {
		return err
	}
	var doc models.FileRecallDocument
	var upstream sql.NullString
	err = m.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, display_name, sha256, extension, bytes, upstream_file_id, status, created_at
		 FROM filerecall_documents WHERE id = ? AND tenant_id = ?`, docID, tenantID).
		Scan(&doc.ID, &doc.TenantID, &doc.DisplayName, &doc.SHA256, &doc.Extension, &doc.Bytes, &upstream, &doc.Status, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("filerecall: document %s not found for tenant %s", docID, tenantID)
	}
	if err != nil {
		return fmt.Errorf("filerecall: load document: %w", err)
	}
	doc.UpstreamFile = upstream.String

	provider := m.providerFor(tenant)
	if doc.UpstreamFile != "" {
		if err := provider.DeleteFile(ctx, doc.UpstreamFile); err != nil {
			return err
		}
	}
	_ = os.Remove(hostDocumentDir(m.root, tenantID) + "/" + storedFilename(doc.SHA256, doc.Extension))

	if _, err := m.db.ExecContext(ctx, `DELETE FROM filerecall_documents WHERE id = ?`, doc.ID); err != nil {
		return fmt.Errorf("filerecall: delete document row: %w", err)
	}
	return nil
}

// DeleteTenant deletes the tenant's upstream vector store, every local
// file, and cascade-deletes all rows.
func (m *Manager) DeleteTenant(ctx context.Context, tenantID string) error {
	tenant, err := m.tenantByID(ctx, tenantID)
	if err != nil {
		return err
	}

	if tenant.VectorStoreID != "" {
		provider := m.providerFor(tenant)
		if err := provider.DeleteStore(ctx, tenant.VectorStoreID); err != nil {
			return err
		}
	}
	_ = os.RemoveAll(hostDocumentDir(m.root, tenantID))

	if _, err := m.db.ExecContext(ctx, `DELETE FROM filerecall_documents WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("filerecall: cascade delete documents: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM filerecall_tenants WHERE id = ?`, tenantID); err != nil {
		return fmt.Errorf("filerecall: delete tenant row: %w", err)
	}

	m.providerMu.Lock()
	delete(m.providers, tenantID)
	m.providerMu.Unlock()
	return nil
}

// keyedMutex hands out a per-key lock, lazily created, so unrelated keys
// never block each other. Mirrors internal/memory's keyedMutex.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

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
