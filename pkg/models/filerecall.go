package models

import "time"

// FileRecallTenant is an isolated document-search context with its own
// upstream vector store, upstream API credentials, and access token.
type FileRecallTenant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	UpstreamKey string `json:"-"`

	// VectorStoreID is empty until the first successful upload, since the
	// upstream store is created lazily.
	VectorStoreID string `json:"vector_store_id,omitempty"`

	// AccessToken authenticates tenant-scoped upload/search/delete calls.
	// Unique across all tenants.
	AccessToken string `json:"-"`

	FileCount  int   `json:"file_count"`
	TotalBytes int64 `json:"total_bytes"`

	CreatedAt time.Time `json:"created_at"`
}

// FileRecallDocumentStatus is the ingest lifecycle of one uploaded file.
type FileRecallDocumentStatus string

const (
	FileRecallProcessing FileRecallDocumentStatus = "processing"
	FileRecallReady      FileRecallDocumentStatus = "ready"
	FileRecallFailed     FileRecallDocumentStatus = "failed"
)

// FileRecallDocument is one uploaded file within a tenant. Identity is
// (TenantID, SHA256): the on-disk name and the filename sent upstream are
// derived from the hash, never from the caller-supplied display name.
type FileRecallDocument struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	// DisplayName is the caller-supplied filename, advisory only.
	DisplayName string `json:"display_name"`

	SHA256       string                   `json:"sha256"`
	Extension    string                   `json:"extension"`
	Bytes        int64                    `json:"bytes"`
	UpstreamFile string                   `json:"upstream_file_id,omitempty"`
	Status       FileRecallDocumentStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
}

// FileRecallUploadOutcome is one row of an upload(tenant, files[]) result.
type FileRecallUploadOutcome string

const (
	FileRecallUploaded FileRecallUploadOutcome = "uploaded"
	FileRecallSkipped  FileRecallUploadOutcome = "skipped"
	FileRecallError    FileRecallUploadOutcome = "error"
)

// FileRecallUploadResult reports what happened to one file in an upload
// batch.
type FileRecallUploadResult struct {
	Action   FileRecallUploadOutcome `json:"action"`
	Message  string                  `json:"message,omitempty"`
	Document *FileRecallDocument     `json:"document,omitempty"`
}

// FileRecallSearchHit is one match returned by search(tenant, query).
type FileRecallSearchHit struct {
	Filename string   `json:"filename"`
	Score    float32  `json:"score"`
	Snippets []string `json:"snippets"`
}
