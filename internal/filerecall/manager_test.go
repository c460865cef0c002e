package filerecall

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owui/gateway-core/pkg/models"
)

func newTestManager(t *testing.T, provider *fakeProvider) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		DBPath:      ":memory:",
		Root:        t.TempDir(),
		newProvider: func(string) VectorSearchProvider { return provider },
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateTenant_GeneratesUniqueAccessToken(t *testing.T) {
	m := newTestManager(t, newFakeProvider())
	ctx := context.Background()

	t1, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)
	t2, err := m.CreateTenant(ctx, "t2", "Tenant Two", "sk-y")
	require.NoError(t, err)

	assert.NotEmpty(t, t1.AccessToken)
	assert.NotEqual(t, t1.AccessToken, t2.AccessToken)
	assert.Empty(t, t1.VectorStoreID, "vector store must not be created until first upload")
}

func TestUpload_RejectsDisallowedExtension(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider)
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)

	results, err := m.Upload(ctx, "t1", []UploadFile{{Name: "malware.exe", Content: []byte("x")}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.FileRecallError, results[0].Action)
	assert.Equal(t, int32(0), provider.createStoreCount.Load())
}

func TestUpload_IdenticalContentSkipsSecondUpload(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider)
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)

	content := []byte("policy document body")
	results, err := m.Upload(ctx, "t1", []UploadFile{
		{Name: "policy.pdf", Content: content},
		{Name: "policy-copy.pdf", Content: content},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.FileRecallUploaded, results[0].Action)
	assert.Equal(t, models.FileRecallSkipped, results[1].Action)
	assert.Equal(t, "policy.pdf", results[1].Message, "skip should report the first upload's display name")

	assert.Equal(t, int32(1), provider.uploadCount.Load())
	assert.Equal(t, int32(1), provider.attachCount.Load())
	assert.Equal(t, int32(1), provider.createStoreCount.Load(), "vector store is created exactly once")
}

func TestUpload_DifferentContentBothUpload(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider)
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)

	results, err := m.Upload(ctx, "t1", []UploadFile{
		{Name: "a.txt", Content: []byte("aaa")},
		{Name: "b.txt", Content: []byte("bbb")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.FileRecallUploaded, results[0].Action)
	assert.Equal(t, models.FileRecallUploaded, results[1].Action)
	assert.Equal(t, int32(2), provider.uploadCount.Load())
}

func TestUpload_DeduplicationIsPerTenantNotGlobal(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider)
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)
	_, err = m.CreateTenant(ctx, "t2", "Tenant Two", "sk-y")
	require.NoError(t, err)

	content := []byte("shared bytes")
	_, err = m.Upload(ctx, "t1", []UploadFile{{Name: "f.txt", Content: content}})
	require.NoError(t, err)
	results, err := m.Upload(ctx, "t2", []UploadFile{{Name: "f.txt", Content: content}})
	require.NoError(t, err)

	assert.Equal(t, models.FileRecallUploaded, results[0].Action, "same content in a different tenant is not a duplicate")
	assert.Equal(t, int32(2), provider.uploadCount.Load())
}

func TestUpload_ConcurrentIdenticalUploadsSerializeToOneUpstreamUpload(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider)
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)

	content := []byte("concurrent duplicate")
	var wg sync.WaitGroup
	results := make([]models.FileRecallUploadResult, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rs, err := m.Upload(ctx, "t1", []UploadFile{{Name: "dup.txt", Content: content}})
			require.NoError(t, err)
			results[i] = rs[0]
		}()
	}
	wg.Wait()

	uploaded, skipped := 0, 0
	for _, r := range results {
		switch r.Action {
		case models.FileRecallUploaded:
			uploaded++
		case models.FileRecallSkipped:
			skipped++
		}
	}
	assert.Equal(t, 1, uploaded)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, int32(1), provider.uploadCount.Load(), "at most one upstream upload for identical concurrent content")
	assert.Equal(t, int32(1), provider.createStoreCount.Load(), "at most one vector store created under concurrent first uploads")
}

func TestSearch_DelegatesToProvider(t *testing.T) {
	provider := newFakeProvider()
	provider.searchHits = []models.FileRecallSearchHit{{Filename: "policy.pdf", Score: 0.9, Snippets: []string{"clause one"}}}
	m := newTestManager(t, provider)
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)
	_, err = m.Upload(ctx, "t1", []UploadFile{{Name: "policy.pdf", Content: []byte("x")}})
	require.NoError(t, err)

	hits, err := m.Search(ctx, "t1", "refund policy", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "policy.pdf", hits[0].Filename)
}

func TestSearch_NoVectorStoreYetReturnsEmpty(t *testing.T) {
	m := newTestManager(t, newFakeProvider())
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)

	hits, err := m.Search(ctx, "t1", "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDeleteDocument_RemovesUpstreamLocalAndRow(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider)
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)

	results, err := m.Upload(ctx, "t1", []UploadFile{{Name: "f.txt", Content: []byte("hello")}})
	require.NoError(t, err)
	docID := results[0].Document.ID

	require.NoError(t, m.DeleteDocument(ctx, "t1", docID))
	assert.Equal(t, int32(1), provider.deleteFileCount.Load())

	_, exists := m.existingDocument(ctx, "t1", results[0].Document.SHA256)
	assert.False(t, exists)
}

func TestDeleteTenant_CascadesAndRemovesVectorStore(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider)
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)
	_, err = m.Upload(ctx, "t1", []UploadFile{{Name: "f.txt", Content: []byte("hello")}})
	require.NoError(t, err)

	require.NoError(t, m.DeleteTenant(ctx, "t1"))
	assert.Equal(t, int32(1), provider.deleteStoreCount.Load())

	_, err = m.tenantByID(ctx, "t1")
	assert.Error(t, err)
}

func TestTenantTotals_ReflectUploadedDocuments(t *testing.T) {
	m := newTestManager(t, newFakeProvider())
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)
	_, err = m.Upload(ctx, "t1", []UploadFile{
		{Name: "a.txt", Content: []byte("12345")},
		{Name: "b.txt", Content: []byte("67")},
	})
	require.NoError(t, err)

	tenant, err := m.tenantByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, tenant.FileCount)
	assert.Equal(t, int64(7), tenant.TotalBytes)
}

func TestGetTenant_ReturnsPersistedRow(t *testing.T) {
	m := newTestManager(t, newFakeProvider())
	ctx := context.Background()
	created, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)

	got, err := m.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.Name, got.Name)
	assert.Equal(t, created.AccessToken, got.AccessToken)
}

func TestGetTenant_UnknownIDReturnsError(t *testing.T) {
	m := newTestManager(t, newFakeProvider())
	_, err := m.GetTenant(context.Background(), "nope")
	assert.Error(t, err)
}

func TestUpdateTenant_RenamesAndRotatesKeyWithoutTouchingTheOther(t *testing.T) {
	m := newTestManager(t, newFakeProvider())
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)

	renamed, err := m.UpdateTenant(ctx, "t1", "Tenant Renamed", "")
	require.NoError(t, err)
	assert.Equal(t, "Tenant Renamed", renamed.Name)
	assert.Equal(t, "sk-x", renamed.UpstreamKey, "empty upstreamAPIKey must leave the existing key untouched")

	rotated, err := m.UpdateTenant(ctx, "t1", "", "sk-new")
	require.NoError(t, err)
	assert.Equal(t, "Tenant Renamed", rotated.Name, "empty name must leave the existing name untouched")
	assert.Equal(t, "sk-new", rotated.UpstreamKey)
}

func TestUpdateTenant_RotatingKeyInvalidatesCachedProvider(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider)
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)
	_, err = m.Upload(ctx, "t1", []UploadFile{{Name: "f.txt", Content: []byte("hello")}})
	require.NoError(t, err)

	m.providerMu.Lock()
	_, cached := m.providers["t1"]
	m.providerMu.Unlock()
	require.True(t, cached, "first upload should have populated the provider cache")

	_, err = m.UpdateTenant(ctx, "t1", "", "sk-rotated")
	require.NoError(t, err)

	m.providerMu.Lock()
	_, stillCached := m.providers["t1"]
	m.providerMu.Unlock()
	assert.False(t, stillCached, "rotating the upstream key must evict the stale cached provider")
}

func TestListDocuments_OrdersNewestFirstAndScopesToTenant(t *testing.T) {
	provider := newFakeProvider()
	m := newTestManager(t, provider)
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)
	_, err = m.CreateTenant(ctx, "t2", "Tenant Two", "sk-y")
	require.NoError(t, err)

	_, err = m.Upload(ctx, "t1", []UploadFile{{Name: "a.txt", Content: []byte("one")}})
	require.NoError(t, err)
	_, err = m.Upload(ctx, "t1", []UploadFile{{Name: "b.txt", Content: []byte("two")}})
	require.NoError(t, err)
	_, err = m.Upload(ctx, "t2", []UploadFile{{Name: "c.txt", Content: []byte("three")}})
	require.NoError(t, err)

	docs, err := m.ListDocuments(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b.txt", docs[0].DisplayName, "newest upload must be listed first")
	assert.Equal(t, "a.txt", docs[1].DisplayName)
	for _, doc := range docs {
		assert.Equal(t, "t1", doc.TenantID)
	}
}

func TestListDocuments_UnknownTenantReturnsEmpty(t *testing.T) {
	m := newTestManager(t, newFakeProvider())
	docs, err := m.ListDocuments(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, docs)
}
