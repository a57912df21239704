package reindex

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/knowledgebase/internal/domain"
	"github.com/fabfab/knowledgebase/internal/embedding"
	"github.com/fabfab/knowledgebase/internal/logging"
	"github.com/fabfab/knowledgebase/internal/metadata"
)

type fakeMetadataStore struct {
	mu             sync.Mutex
	drift          []metadata.DriftCandidate
	queue          []metadata.ReindexWork
	startedCalls   []int64
	successCalls   []int64
	failureCalls   []int64
	enqueueCalls   int
	documents      []domain.Document
	chunkUpsertErr error
}

func (f *fakeMetadataStore) FindDriftCandidates(ctx context.Context, targetSchema, targetEmbedding string, staleAfterDays, limit int, tenantID string) ([]metadata.DriftCandidate, error) {
	return f.drift, nil
}

func (f *fakeMetadataStore) EnqueueReindex(ctx context.Context, tenantID string, documentID uuid.UUID, reason domain.ReindexReason, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueueCalls++
	return nil
}

func (f *fakeMetadataStore) FetchReindexQueue(ctx context.Context, limit, maxAttempts int, tenantID string) ([]metadata.ReindexWork, error) {
	return f.queue, nil
}

func (f *fakeMetadataStore) MarkReindexStarted(ctx context.Context, queueID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startedCalls = append(f.startedCalls, queueID)
	return nil
}

func (f *fakeMetadataStore) MarkReindexSuccess(ctx context.Context, queueID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successCalls = append(f.successCalls, queueID)
	return nil
}

func (f *fakeMetadataStore) MarkReindexFailure(ctx context.Context, queueID int64, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failureCalls = append(f.failureCalls, queueID)
	return nil
}

func (f *fakeMetadataStore) UpsertDocument(ctx context.Context, doc domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents = append(f.documents, doc)
	return nil
}

func (f *fakeMetadataStore) UpsertChunks(ctx context.Context, tenantID string, documentID uuid.UUID, chunks []domain.Chunk, ftsConfig string) (int, error) {
	if f.chunkUpsertErr != nil {
		return 0, f.chunkUpsertErr
	}
	return len(chunks), nil
}

type fakeVectorWriter struct {
	calls int
	err   error
}

func (f *fakeVectorWriter) UpsertEmbeddings(ctx context.Context, tenantID string, documentID uuid.UUID, embeddings []domain.Embedding) error {
	f.calls++
	return f.err
}

type fakeBlobFetcher struct{}

func (f *fakeBlobFetcher) Fetch(ctx context.Context, uri string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("%PDF-fake")), nil
}

type fakeReindexPipeline struct{}

func (f *fakeReindexPipeline) Run(ctx context.Context, path string, ingestionContext map[string]any, cfg embedding.SplitConfig) ([]embedding.Output, error) {
	return []embedding.Output{
		{ChunkID: uuid.New(), Text: "reindexed content", Vector: []float32{0.1, 0.2}, Metadata: map[string]any{"page_number": 1}},
	}, nil
}

func sampleWork(queueID int64) metadata.ReindexWork {
	return metadata.ReindexWork{ReindexJob: domain.ReindexJob{
		QueueID:    queueID,
		TenantID:   "acme",
		DocumentID: uuid.New(),
		Filename:   "report.pdf",
		BlobURI:    "s3://bucket/report.pdf",
		Reason:     domain.ReasonDrift,
		Priority:   5,
	}}
}

func TestRun_ProcessesQueueItemAndMarksAttemptsMonotonic(t *testing.T) {
	md := &fakeMetadataStore{queue: []metadata.ReindexWork{sampleWork(1), sampleWork(2)}}
	vs := &fakeVectorWriter{}
	runner := New(md, vs, &fakeBlobFetcher{}, &fakeReindexPipeline{}, Config{TargetSchemaVersion: "v1", TargetEmbeddingModel: "m1", MaxConcurrent: 2}, logging.Init("error", false))

	summary, err := runner.Run(context.Background(), 10, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 0, summary.Failed)
	assert.Len(t, md.startedCalls, 2)
	assert.Len(t, md.successCalls, 2)
	assert.Equal(t, 2, vs.calls)
}

func TestRun_DryRunSkipsWithoutProcessing(t *testing.T) {
	md := &fakeMetadataStore{queue: []metadata.ReindexWork{sampleWork(1)}}
	vs := &fakeVectorWriter{}
	runner := New(md, vs, &fakeBlobFetcher{}, &fakeReindexPipeline{}, Config{DryRun: true}, logging.Init("error", false))

	summary, err := runner.Run(context.Background(), 10, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Processed)
	assert.Empty(t, md.startedCalls)
	assert.Equal(t, 0, vs.calls)
}

func TestRun_FailureMarksReindexFailure(t *testing.T) {
	md := &fakeMetadataStore{queue: []metadata.ReindexWork{sampleWork(7)}}
	vs := &fakeVectorWriter{err: assertErr{}}
	runner := New(md, vs, &fakeBlobFetcher{}, &fakeReindexPipeline{}, Config{MaxConcurrent: 1}, logging.Init("error", false))

	summary, err := runner.Run(context.Background(), 10, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, md.failureCalls, 1)
	assert.Equal(t, int64(7), md.failureCalls[0])
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated transient vector store failure" }
