package filerecall

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/owui/gateway-core/pkg/models"
)

// fakeProvider is a VectorSearchProvider test double that never leaves
// the process. One instance is shared across every tenant a test
// constructs, so upload/attach counts can be asserted directly.
type fakeProvider struct {
	mu       sync.Mutex
	stores   map[string]bool
	files    map[string][]byte
	attached map[string][]string // storeID -> fileIDs

	createStoreCount atomic.Int32
	uploadCount      atomic.Int32
	attachCount      atomic.Int32
	deleteFileCount  atomic.Int32
	deleteStoreCount atomic.Int32

	searchHits []models.FileRecallSearchHit
	searchErr  error

	nextID int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		stores:   make(map[string]bool),
		files:    make(map[string][]byte),
		attached: make(map[string][]string),
	}
}

func (p *fakeProvider) CreateStore(ctx context.Context, name string) (string, error) {
	p.createStoreCount.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("vs-%d", p.nextID)
	p.stores[id] = true
	return id, nil
}

func (p *fakeProvider) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	p.uploadCount.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("file-%d", p.nextID)
	p.files[id] = content
	return id, nil
}

func (p *fakeProvider) AttachFile(ctx context.Context, storeID, fileID string) error {
	p.attachCount.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached[storeID] = append(p.attached[storeID], fileID)
	return nil
}

func (p *fakeProvider) Search(ctx context.Context, storeID, query string, maxResults int) ([]models.FileRecallSearchHit, error) {
	if p.searchErr != nil {
		return nil, p.searchErr
	}
	return p.searchHits, nil
}

func (p *fakeProvider) DeleteFile(ctx context.Context, fileID string) error {
	p.deleteFileCount.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.files, fileID)
	return nil
}

func (p *fakeProvider) DeleteStore(ctx context.Context, storeID string) error {
	p.deleteStoreCount.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stores, storeID)
	return nil
}
