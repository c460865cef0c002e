package filerecall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/owui/gateway-core/pkg/models"
)

// VectorSearchProvider is the upstream document-search backend a tenant's
// uploads and queries are routed to. Modeled narrowly enough that a
// different upstream could be substituted without touching tenant or
// document bookkeeping.
type VectorSearchProvider interface {
	CreateStore(ctx context.Context, name string) (storeID string, err error)
	UploadFile(ctx context.Context, filename string, content []byte) (fileID string, err error)
	AttachFile(ctx context.Context, storeID, fileID string) error
	Search(ctx context.Context, storeID, query string, maxResults int) ([]models.FileRecallSearchHit, error)
	DeleteFile(ctx context.Context, fileID string) error
	DeleteStore(ctx context.Context, storeID string) error
}

// openAIVectorSearch implements VectorSearchProvider against the OpenAI
// Vector Stores API, one client per tenant since each tenant supplies its
// own upstream API key.
type openAIVectorSearch struct {
	client *openai.Client
	apiKey string
}

func newOpenAIVectorSearch(apiKey string) *openAIVectorSearch {
	return &openAIVectorSearch{client: openai.NewClient(apiKey), apiKey: apiKey}
}

func (p *openAIVectorSearch) CreateStore(ctx context.Context, name string) (string, error) {
	store, err := p.client.CreateVectorStore(ctx, openai.VectorStoreRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("filerecall: create vector store: %w", err)
	}
	return store.ID, nil
}

func (p *openAIVectorSearch) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	file, err := p.client.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    filename,
		Bytes:   content,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		return "", fmt.Errorf("filerecall: upload file: %w", err)
	}
	return file.ID, nil
}

func (p *openAIVectorSearch) AttachFile(ctx context.Context, storeID, fileID string) error {
	_, err := p.client.CreateVectorStoreFile(ctx, storeID, openai.VectorStoreFileRequest{FileID: fileID})
	if err != nil {
		return fmt.Errorf("filerecall: attach file to store: %w", err)
	}
	return nil
}

func (p *openAIVectorSearch) DeleteFile(ctx context.Context, fileID string) error {
	if err := p.client.DeleteFile(ctx, fileID); err != nil {
		return fmt.Errorf("filerecall: delete file: %w", err)
	}
	return nil
}

func (p *openAIVectorSearch) DeleteStore(ctx context.Context, storeID string) error {
	if _, err := p.client.DeleteVectorStore(ctx, storeID); err != nil {
		return fmt.Errorf("filerecall: delete vector store: %w", err)
	}
	return nil
}

// Search queries the vector store's file-search surface.
//
// go-openai (as of v1.41.2) has no typed method for the Vector Store
// Search endpoint (POST /v1/vector_stores/{id}/search) — only the
// store/file-management calls above are wrapped. This is the one place
// in File Recall that talks to the upstream directly over net/http
// rather than through the library, and it is scoped to exactly this
// one request.
func (p *openAIVectorSearch) Search(ctx context.Context, storeID, query string, maxResults int) ([]models.FileRecallSearchHit, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	body, err := json.Marshal(map[string]any{
		"query":       query,
		"max_num_results": maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("filerecall: encode search request: %w", err)
	}

	url := "https://api.openai.com/v1/vector_stores/" + storeID + "/search"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("filerecall: build search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("filerecall: search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("filerecall: search returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			Filename string `json:"filename"`
			Score    float32 `json:"score"`
			Content  []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("filerecall: decode search response: %w", err)
	}

	hits := make([]models.FileRecallSearchHit, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		snippets := make([]string, 0, len(d.Content))
		for _, c := range d.Content {
			snippets = append(snippets, c.Text)
		}
		hits = append(hits, models.FileRecallSearchHit{Filename: d.Filename, Score: d.Score, Snippets: snippets})
	}
	return hits, nil
}
