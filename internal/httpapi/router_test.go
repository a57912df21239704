package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/knowledgebase/internal/apperr"
	"github.com/fabfab/knowledgebase/internal/broker"
	"github.com/fabfab/knowledgebase/internal/domain"
	"github.com/fabfab/knowledgebase/internal/metadata"
	"github.com/fabfab/knowledgebase/internal/retrieval"
	"github.com/fabfab/knowledgebase/internal/vectorstore"
	"github.com/google/uuid"
)

type fakeUploader struct {
	uri string
	err error
}

func (f *fakeUploader) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "s3://" + bucket + "/" + key, nil
}

type fakeEnqueuer struct {
	jobs []broker.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job broker.Job) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeProcessor struct {
	err error
}

func (f *fakeProcessor) ProcessJob(ctx context.Context, job broker.Job, log zerolog.Logger) error {
	return f.err
}

type fakeChatter struct {
	answer     string
	model      string
	err        error
	lastSystem string
	lastUser   string
}

func (f *fakeChatter) CompleteWithFallback(ctx context.Context, models []string, system, user string, temperature float64, maxTokens int) (string, string, error) {
	f.lastSystem = system
	f.lastUser = user
	if f.err != nil {
		return "", "", f.err
	}
	return f.answer, f.model, nil
}

type fakeQueryEmbedder struct{}

func (fakeQueryEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type fakeDenseSearcher struct{}

func (fakeDenseSearcher) DenseSearch(ctx context.Context, tenantID string, vector []float32, topK int) ([]vectorstore.Hit, error) {
	return nil, nil
}

type fakeLexicalSearcher struct {
	hits []metadata.LexicalHit
}

func (f fakeLexicalSearcher) SearchLexical(ctx context.Context, tenantID, query string, limit int, ftsConfig string) ([]metadata.LexicalHit, error) {
	return f.hits, nil
}

func (f fakeLexicalSearcher) FetchChunksByIDs(ctx context.Context, tenantID string, chunkIDs []uuid.UUID) ([]domain.Chunk, error) {
	return nil, nil
}

func testRouter(uploader Uploader, enqueuer Enqueuer, processor Processor, chatter Chatter, cfg Config) *Router {
	return New(cfg, uploader, enqueuer, processor, nil, chatter, zerolog.Nop())
}

func testRouterWithRetrieval(chatter Chatter, retrievalEngine *retrieval.Engine, cfg Config) *Router {
	return New(cfg, nil, nil, nil, retrievalEngine, chatter, zerolog.Nop())
}

func multipartPDFBody(t *testing.T, filename, contentType string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	header["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-fake"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestHealthz(t *testing.T) {
	rt := testRouter(nil, nil, nil, nil, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleIngest_RejectsMissingTenant(t *testing.T) {
	rt := testRouter(&fakeUploader{}, &fakeEnqueuer{}, nil, nil, Config{})
	body, contentType := multipartPDFBody(t, "doc.pdf", "application/pdf")
	req := httptest.NewRequest(http.MethodPost, "/ingest", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIngest_RejectsNonPDF(t *testing.T) {
	rt := testRouter(&fakeUploader{}, &fakeEnqueuer{}, nil, nil, Config{UploadBucket: "kb"})
	body, contentType := multipartPDFBody(t, "doc.txt", "text/plain")
	req := httptest.NewRequest(http.MethodPost, "/ingest", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestHandleIngest_SuccessPublishesJob(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	rt := testRouter(&fakeUploader{}, enqueuer, nil, nil, Config{UploadBucket: "kb"})
	body, contentType := multipartPDFBody(t, "doc.pdf", "application/pdf")
	req := httptest.NewRequest(http.MethodPost, "/ingest", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, enqueuer.jobs, 1)
	assert.Equal(t, "acme", enqueuer.jobs[0].TenantID)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "received", resp["status"])
}

func TestHandleChat_BannedPhraseRejected(t *testing.T) {
	rt := testRouter(nil, nil, nil, &fakeChatter{}, Config{BannedPhrases: []string{"forbidden topic"}, DefaultModels: []string{"m1"}})
	reqBody, _ := json.Marshal(chatRequest{Message: "tell me about the forbidden topic"})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(reqBody))
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChat_AllModelsExhaustedReturns502(t *testing.T) {
	chatter := &fakeChatter{err: apperr.Transient("chat completion request", assertErr{})}
	rt := testRouter(nil, nil, nil, chatter, Config{DefaultModels: []string{"m1"}})
	reqBody, _ := json.Marshal(chatRequest{Message: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(reqBody))
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleChat_WiresRetrievalContextIntoPrompt(t *testing.T) {
	chunkID := uuid.New()
	docID := uuid.New()
	engine := retrieval.New(fakeQueryEmbedder{}, fakeDenseSearcher{}, fakeLexicalSearcher{
		hits: []metadata.LexicalHit{{
			ChunkID: chunkID, DocumentID: docID,
			Content: "Paris is the capital of France.", SourceURI: "doc://geo-101", Rank: 1,
		}},
	}, nil, retrieval.Config{DenseTopN: 5, BM25TopM: 5, RerankTopK: 5, FTSConfig: "english"})

	chatter := &fakeChatter{answer: "Paris."}
	rt := testRouterWithRetrieval(chatter, engine, Config{DefaultModels: []string{"m1"}})

	reqBody, _ := json.Marshal(chatRequest{Message: "What is the capital of France?"})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(reqBody))
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, chatter.lastUser, "doc://geo-101")
	assert.Contains(t, chatter.lastUser, "Paris is the capital of France.")
	assert.Contains(t, chatter.lastUser, "What is the capital of France?")
}

func TestHandleChat_RedactsPIIFromAnswer(t *testing.T) {
	chatter := &fakeChatter{answer: "Reach me at jane.doe@example.com for details."}
	rt := testRouter(nil, nil, nil, chatter, Config{
		DefaultModels: []string{"m1"},
		PIIPatterns:   []string{`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`},
	})

	reqBody, _ := json.Marshal(chatRequest{Message: "how do I contact support?"})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(reqBody))
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotContains(t, resp["answer"], "jane.doe@example.com")
	assert.Contains(t, resp["answer"], "[REDACTED]")
}

func TestHandleChat_HistoryWiredIntoPrompt(t *testing.T) {
	chatter := &fakeChatter{answer: "ok"}
	rt := testRouter(nil, nil, nil, chatter, Config{DefaultModels: []string{"m1"}})

	reqBody, _ := json.Marshal(chatRequest{
		Message: "and the follow-up?",
		History: []chatMessage{{Role: "user", Content: "What is the refund policy?"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(reqBody))
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, chatter.lastUser, "What is the refund policy?")
}

func TestHandlePubSubPush_PermanentErrorReturns200(t *testing.T) {
	processor := &fakeProcessor{err: apperr.Permanent(apperr.CodeValidationError, "missing required field: blob_uri", nil)}
	rt := testRouter(nil, nil, processor, nil, Config{})

	job := broker.Job{
		RequestID: "r1", TenantID: "acme", DocumentID: "d1", Filename: "f.pdf",
		ContentType: "application/pdf", BlobURI: "s3://bucket/key", SubmittedAt: time.Now().UTC(),
	}
	data, _ := json.Marshal(job)
	envelope := map[string]any{"message": map[string]any{"data": base64.StdEncoding.EncodeToString(data)}}
	body, _ := json.Marshal(envelope)

	req := httptest.NewRequest(http.MethodPost, "/pubsub/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlePubSubPush_TransientErrorReturns500(t *testing.T) {
	processor := &fakeProcessor{err: apperr.Transient("database write", assertErr{})}
	rt := testRouter(nil, nil, processor, nil, Config{})

	job := broker.Job{
		RequestID: "r1", TenantID: "acme", DocumentID: "d1", Filename: "f.pdf",
		ContentType: "application/pdf", BlobURI: "s3://bucket/key", SubmittedAt: time.Now().UTC(),
	}
	data, _ := json.Marshal(job)
	envelope := map[string]any{"message": map[string]any{"data": base64.StdEncoding.EncodeToString(data)}}
	body, _ := json.Marshal(envelope)

	req := httptest.NewRequest(http.MethodPost, "/pubsub/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated failure" }
