package ingestion

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/knowledgebase/internal/apperr"
	"github.com/fabfab/knowledgebase/internal/broker"
	"github.com/fabfab/knowledgebase/internal/domain"
	"github.com/fabfab/knowledgebase/internal/embedding"
	"github.com/fabfab/knowledgebase/internal/logging"
)

type fakeBlob struct {
	body string
	err  error
}

func (f *fakeBlob) Fetch(ctx context.Context, uri string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

type fakePipeline struct {
	outputs []embedding.Output
	err     error
	calls   int
}

func (f *fakePipeline) Run(ctx context.Context, path string, ingestionContext map[string]any, cfg embedding.SplitConfig) ([]embedding.Output, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.outputs, nil
}

type fakeMetadata struct {
	documents      []domain.Document
	upsertErr      error
	chunkUpsertErr error
	chunksWritten  int
}

func (f *fakeMetadata) UpsertDocument(ctx context.Context, doc domain.Document) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.documents = append(f.documents, doc)
	return nil
}

func (f *fakeMetadata) UpsertChunks(ctx context.Context, tenantID string, documentID uuid.UUID, chunks []domain.Chunk, ftsConfig string) (int, error) {
	if f.chunkUpsertErr != nil {
		return 0, f.chunkUpsertErr
	}
	f.chunksWritten = len(chunks)
	return len(chunks), nil
}

type fakeVectorStore struct {
	err   error
	calls int
}

func (f *fakeVectorStore) UpsertEmbeddings(ctx context.Context, tenantID string, documentID uuid.UUID, embeddings []domain.Embedding) error {
	f.calls++
	return f.err
}

func sampleTestJob() broker.Job {
	return broker.Job{
		Version:     "2024-09-24",
		RequestID:   "req-1",
		TenantID:    "acme",
		DocumentID:  uuid.New().String(),
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		BlobURI:     "s3://bucket/report.pdf",
		SubmittedAt: time.Now().UTC(),
	}
}

func TestProcessJob_SuccessMarksCompleted(t *testing.T) {
	job := sampleTestJob()
	md := &fakeMetadata{}
	vs := &fakeVectorStore{}
	pipeline := &fakePipeline{outputs: []embedding.Output{
		{ChunkID: uuid.New(), Text: "hello world", Vector: []float32{0.1, 0.2}, Metadata: map[string]any{"page_number": 1}},
	}}
	w := New(nil, &fakeBlob{body: "%PDF-fake"}, pipeline, md, vs, Config{SchemaVersion: "v1", EmbeddingModel: "m1"}, logging.Init("error", false))

	err := w.ProcessJob(context.Background(), job, logging.Init("error", false))
	require.NoError(t, err)

	require.Len(t, md.documents, 2)
	assert.Equal(t, domain.DocumentProcessing, md.documents[0].Status)
	assert.Equal(t, domain.DocumentCompleted, md.documents[1].Status)
	assert.Equal(t, 1, md.documents[1].ChunkCount)
	assert.Equal(t, 1, vs.calls)
}

func TestProcessJob_InvalidPayloadIsPermanent(t *testing.T) {
	job := sampleTestJob()
	job.BlobURI = ""
	md := &fakeMetadata{}
	w := New(nil, &fakeBlob{}, &fakePipeline{}, md, &fakeVectorStore{}, Config{}, logging.Init("error", false))

	err := w.ProcessJob(context.Background(), job, logging.Init("error", false))
	require.Error(t, err)
	assert.True(t, apperr.IsPermanent(err))
	assert.Empty(t, md.documents)
}

func TestProcessJob_BlobFetchTransientErrorMarksFailed(t *testing.T) {
	job := sampleTestJob()
	md := &fakeMetadata{}
	w := New(nil, &fakeBlob{err: apperr.Transient("fetch blob", errors.New("connection reset"))}, &fakePipeline{}, md, &fakeVectorStore{}, Config{}, logging.Init("error", false))

	err := w.ProcessJob(context.Background(), job, logging.Init("error", false))
	require.Error(t, err)
	assert.False(t, apperr.IsPermanent(err))
	require.Len(t, md.documents, 2)
	assert.Equal(t, domain.DocumentFailed, md.documents[1].Status)
}

func TestProcessJob_EmptyDocumentIsPermanent(t *testing.T) {
	job := sampleTestJob()
	md := &fakeMetadata{}
	pipeline := &fakePipeline{err: apperr.Permanent(apperr.CodeEmptyDocument, "no chunks produced", nil)}
	w := New(nil, &fakeBlob{body: "%PDF-fake"}, pipeline, md, &fakeVectorStore{}, Config{}, logging.Init("error", false))

	err := w.ProcessJob(context.Background(), job, logging.Init("error", false))
	require.Error(t, err)
	assert.True(t, apperr.IsPermanent(err))
	require.Len(t, md.documents, 2)
	assert.Equal(t, domain.DocumentFailed, md.documents[1].Status)
}

func TestProcessJob_DuplicateDeliveryConverges(t *testing.T) {
	job := sampleTestJob()
	md := &fakeMetadata{}
	vs := &fakeVectorStore{}
	chunkID := uuid.New()
	pipeline := &fakePipeline{outputs: []embedding.Output{
		{ChunkID: chunkID, Text: "hello world", Vector: []float32{0.1, 0.2}, Metadata: map[string]any{"page_number": 1}},
	}}
	w := New(nil, &fakeBlob{body: "%PDF-fake"}, pipeline, md, vs, Config{SchemaVersion: "v1", EmbeddingModel: "m1"}, logging.Init("error", false))

	require.NoError(t, w.ProcessJob(context.Background(), job, logging.Init("error", false)))
	require.NoError(t, w.ProcessJob(context.Background(), job, logging.Init("error", false)))

	assert.Equal(t, 2, pipeline.calls)
	assert.Equal(t, 2, vs.calls)
	assert.Equal(t, 1, md.chunksWritten)
}

func TestRun_MalformedDeliveryIsAckedNotStuck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	queue := broker.New(client, "test:queue", "test:processing")

	ctx := context.Background()
	require.NoError(t, client.RPush(ctx, "test:queue", "not valid json").Err())

	md := &fakeMetadata{}
	w := New(queue, &fakeBlob{}, &fakePipeline{}, md, &fakeVectorStore{}, Config{}, logging.Init("error", false))

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	require.NoError(t, w.Run(runCtx))

	remaining, err := client.LLen(ctx, "test:processing").Result()
	require.NoError(t, err)
	assert.Zero(t, remaining, "malformed delivery must not be left stuck in the processing list")
}
