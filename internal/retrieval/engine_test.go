package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/knowledgebase/internal/domain"
	"github.com/fabfab/knowledgebase/internal/llm"
	"github.com/fabfab/knowledgebase/internal/metadata"
	"github.com/fabfab/knowledgebase/internal/vectorstore"
)

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

type fakeDense struct {
	hits []vectorstore.Hit
	err  error
}

func (f *fakeDense) DenseSearch(ctx context.Context, tenantID string, vector []float32, topK int) ([]vectorstore.Hit, error) {
	return f.hits, f.err
}

type fakeLexical struct {
	hits   []metadata.LexicalHit
	chunks map[uuid.UUID]domain.Chunk
	err    error
}

func (f *fakeLexical) SearchLexical(ctx context.Context, tenantID, query string, limit int, ftsConfig string) ([]metadata.LexicalHit, error) {
	return f.hits, f.err
}

func (f *fakeLexical) FetchChunksByIDs(ctx context.Context, tenantID string, chunkIDs []uuid.UUID) ([]domain.Chunk, error) {
	var out []domain.Chunk
	for _, id := range chunkIDs {
		if c, ok := f.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeReranker struct {
	scores []llm.RerankedScore
	ok     bool
}

func (f *fakeReranker) Rerank(ctx context.Context, model, query string, candidates []llm.RerankCandidate, timeout time.Duration) ([]llm.RerankedScore, bool) {
	return f.scores, f.ok
}

func baseConfig() Config {
	return Config{DenseTopN: 10, BM25TopM: 10, RerankTopK: 3, RerankerModel: "m", RerankerTimeoutSeconds: 5, FTSConfig: "english"}
}

func TestRetrieve_EmptyQueryReturnsEmptyResults(t *testing.T) {
	e := New(&fakeEmbedder{}, &fakeDense{}, &fakeLexical{}, nil, baseConfig())
	resp, err := e.Retrieve(context.Background(), "acme", "   ")
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestRetrieve_AllDenseScoresEqualNormalizeToOne(t *testing.T) {
	chunkA, chunkB := uuid.New(), uuid.New()
	lexical := &fakeLexical{
		hits: []metadata.LexicalHit{
			{ChunkID: chunkA, DocumentID: uuid.New(), Content: "alpha", Rank: 0.5},
			{ChunkID: chunkB, DocumentID: uuid.New(), Content: "beta", Rank: 0.2},
		},
		chunks: map[uuid.UUID]domain.Chunk{
			chunkA: {ChunkID: chunkA, Content: "alpha"},
			chunkB: {ChunkID: chunkB, Content: "beta"},
		},
	}
	dense := &fakeDense{hits: []vectorstore.Hit{
		{ChunkID: chunkA, Score: 0.7},
		{ChunkID: chunkB, Score: 0.7},
	}}
	e := New(&fakeEmbedder{vector: []float32{0.1}}, dense, lexical, nil, baseConfig())

	resp, err := e.Retrieve(context.Background(), "acme", "find alpha")
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	// Dense contributes 1.0 to both; lexical breaks the tie, so chunkA (higher
	// lexical rank) should outrank chunkB.
	assert.Equal(t, chunkA, resp.Results[0].ChunkID)
}

func TestRetrieve_StaleDenseHitDropped(t *testing.T) {
	chunkA := uuid.New()
	lexical := &fakeLexical{chunks: map[uuid.UUID]domain.Chunk{}}
	dense := &fakeDense{hits: []vectorstore.Hit{{ChunkID: chunkA, Score: 0.9}}}
	e := New(&fakeEmbedder{vector: []float32{0.1}}, dense, lexical, nil, baseConfig())

	resp, err := e.Retrieve(context.Background(), "acme", "query")
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 1, resp.Diagnostics.DenseRetrieved)
	assert.Equal(t, 0, resp.Diagnostics.MergedCandidates)
}

func TestRetrieve_RerankTimeoutFallsBackToPreRerankOrder(t *testing.T) {
	chunkA, chunkB := uuid.New(), uuid.New()
	lexical := &fakeLexical{
		hits: []metadata.LexicalHit{
			{ChunkID: chunkA, DocumentID: uuid.New(), Content: "alpha", Rank: 0.9},
			{ChunkID: chunkB, DocumentID: uuid.New(), Content: "beta", Rank: 0.1},
		},
		chunks: map[uuid.UUID]domain.Chunk{},
	}
	cfg := baseConfig()
	cfg.RerankTopK = 2
	e := New(&fakeEmbedder{vector: []float32{0.1}}, &fakeDense{}, lexical, &fakeReranker{ok: false}, cfg)

	resp, err := e.Retrieve(context.Background(), "acme", "query")
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, chunkA, resp.Results[0].ChunkID)
	assert.Nil(t, resp.Results[0].RerankScore)
	assert.Equal(t, 2, resp.Diagnostics.Returned)
}

func TestRetrieve_RerankReordersAndUnseenIdsScoreZero(t *testing.T) {
	chunkA, chunkB := uuid.New(), uuid.New()
	lexical := &fakeLexical{
		hits: []metadata.LexicalHit{
			{ChunkID: chunkA, DocumentID: uuid.New(), Content: "alpha", Rank: 0.9},
			{ChunkID: chunkB, DocumentID: uuid.New(), Content: "beta", Rank: 0.1},
		},
		chunks: map[uuid.UUID]domain.Chunk{},
	}
	cfg := baseConfig()
	cfg.RerankTopK = 2
	reranker := &fakeReranker{ok: true, scores: []llm.RerankedScore{
		{ChunkID: chunkB.String(), Score: 0.95},
	}}
	e := New(&fakeEmbedder{vector: []float32{0.1}}, &fakeDense{}, lexical, reranker, cfg)

	resp, err := e.Retrieve(context.Background(), "acme", "query")
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, chunkB, resp.Results[0].ChunkID)
	require.NotNil(t, resp.Results[0].RerankScore)
	assert.Equal(t, 0.95, *resp.Results[0].RerankScore)
	require.NotNil(t, resp.Results[1].RerankScore)
	assert.Equal(t, 0.0, *resp.Results[1].RerankScore)
}

func TestRetrieve_TenantScopedThroughout(t *testing.T) {
	var seenDenseTenant, seenLexicalTenant string
	dense := &recordingDense{fakeDense: &fakeDense{}, seen: &seenDenseTenant}
	lexical := &recordingLexical{fakeLexical: &fakeLexical{chunks: map[uuid.UUID]domain.Chunk{}}, seen: &seenLexicalTenant}
	e := New(&fakeEmbedder{vector: []float32{0.1}}, dense, lexical, nil, baseConfig())

	_, err := e.Retrieve(context.Background(), "tenant-x", "query")
	require.NoError(t, err)
	assert.Equal(t, "tenant-x", seenDenseTenant)
	assert.Equal(t, "tenant-x", seenLexicalTenant)
}

type recordingDense struct {
	*fakeDense
	seen *string
}

func (r *recordingDense) DenseSearch(ctx context.Context, tenantID string, vector []float32, topK int) ([]vectorstore.Hit, error) {
	*r.seen = tenantID
	return r.fakeDense.DenseSearch(ctx, tenantID, vector, topK)
}

type recordingLexical struct {
	*fakeLexical
	seen *string
}

func (r *recordingLexical) SearchLexical(ctx context.Context, tenantID, query string, limit int, ftsConfig string) ([]metadata.LexicalHit, error) {
	*r.seen = tenantID
	return r.fakeLexical.SearchLexical(ctx, tenantID, query, limit, ftsConfig)
}
