// Package retrieval implements the hybrid retrieval engine: dense ANN
// search fused with lexical full-text search, score-normalized blending,
// and optional cross-encoder-style reranking, grounded in the algorithm
// from spec §4.5.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/knowledgebase/internal/domain"
	"github.com/fabfab/knowledgebase/internal/llm"
	"github.com/fabfab/knowledgebase/internal/metadata"
	"github.com/fabfab/knowledgebase/internal/vectorstore"
)

// QueryEmbedder embeds a single query string using the ingestion-time model.
type QueryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// DenseSearcher is the subset of vectorstore.Store the engine needs.
type DenseSearcher interface {
	DenseSearch(ctx context.Context, tenantID string, vector []float32, topK int) ([]vectorstore.Hit, error)
}

// LexicalSearcher is the subset of metadata.Repo the engine needs.
type LexicalSearcher interface {
	SearchLexical(ctx context.Context, tenantID, query string, limit int, ftsConfig string) ([]metadata.LexicalHit, error)
	FetchChunksByIDs(ctx context.Context, tenantID string, chunkIDs []uuid.UUID) ([]domain.Chunk, error)
}

// Reranker scores candidates against a query, degrading gracefully.
type Reranker interface {
	Rerank(ctx context.Context, model, query string, candidates []llm.RerankCandidate, timeout time.Duration) ([]llm.RerankedScore, bool)
}

// Config holds the tunable retrieval knobs from spec §6.
type Config struct {
	DenseTopN              int
	BM25TopM               int
	RerankTopK             int
	RerankerModel          string
	RerankerTimeoutSeconds int
	FTSConfig              string
}

// Engine is the hybrid RetrievalEngine.
type Engine struct {
	embedder QueryEmbedder
	dense    DenseSearcher
	lexical  LexicalSearcher
	reranker Reranker
	cfg      Config
}

// New builds a retrieval Engine.
func New(embedder QueryEmbedder, dense DenseSearcher, lexical LexicalSearcher, reranker Reranker, cfg Config) *Engine {
	return &Engine{embedder: embedder, dense: dense, lexical: lexical, reranker: reranker, cfg: cfg}
}

// Result is one ranked context returned to the caller.
type Result struct {
	ChunkID      uuid.UUID
	DocumentID   uuid.UUID
	Content      string
	SourceURI    string
	PageNumber   *int
	Metadata     map[string]any
	Score        float64
	DenseScore   *float64
	LexicalScore *float64
	RerankScore  *float64
}

// Diagnostics reports candidate counts at each retrieval stage.
type Diagnostics struct {
	DenseRetrieved   int
	LexicalRetrieved int
	MergedCandidates int
	Returned         int
}

// Response is the full retrieve() output.
type Response struct {
	Query       string
	TenantID    string
	Results     []Result
	Diagnostics Diagnostics
}

type candidate struct {
	chunkID    uuid.UUID
	documentID uuid.UUID
	content    string
	sourceURI  string
	pageNumber *int
	metadata   map[string]any
	denseScore float64
	hasDense   bool
	lexScore   float64
	hasLexical bool
}

// Retrieve runs the full hybrid retrieval algorithm for a single query,
// scoped entirely to tenantID. An empty (post-trim) query returns an empty
// result set rather than an error.
func (e *Engine) Retrieve(ctx context.Context, tenantID, query string) (Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Response{Query: query, TenantID: tenantID}, nil
	}

	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return Response{}, err
	}
	if len(vectors) == 0 {
		return Response{}, nil
	}
	queryVector := vectors[0]

	var denseHits []vectorstore.Hit
	var lexicalHits []metadata.LexicalHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := e.dense.DenseSearch(gctx, tenantID, queryVector, e.cfg.DenseTopN)
		if err != nil {
			return err
		}
		denseHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := e.lexical.SearchLexical(gctx, tenantID, query, e.cfg.BM25TopM, e.cfg.FTSConfig)
		if err != nil {
			return err
		}
		lexicalHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return Response{}, err
	}

	candidates := make(map[uuid.UUID]*candidate, len(lexicalHits)+len(denseHits))
	for _, lh := range lexicalHits {
		candidates[lh.ChunkID] = &candidate{
			chunkID:    lh.ChunkID,
			documentID: lh.DocumentID,
			content:    lh.Content,
			sourceURI:  lh.SourceURI,
			pageNumber: lh.PageNumber,
			metadata:   lh.Metadata,
			lexScore:   lh.Rank,
			hasLexical: true,
		}
	}

	denseChunkIDs := make([]uuid.UUID, len(denseHits))
	for i, dh := range denseHits {
		denseChunkIDs[i] = dh.ChunkID
	}
	hydrated, err := e.lexical.FetchChunksByIDs(ctx, tenantID, denseChunkIDs)
	if err != nil {
		return Response{}, err
	}
	hydratedByID := make(map[uuid.UUID]domain.Chunk, len(hydrated))
	for _, c := range hydrated {
		hydratedByID[c.ChunkID] = c
	}

	for _, dh := range denseHits {
		chunk, found := hydratedByID[dh.ChunkID]
		if !found {
			// Stale vector: embedding exists but the chunk row is gone. Drop it.
			continue
		}
		if existing, ok := candidates[dh.ChunkID]; ok {
			existing.denseScore = float64(dh.Score)
			existing.hasDense = true
		} else {
			candidates[dh.ChunkID] = &candidate{
				chunkID:    dh.ChunkID,
				documentID: chunk.DocumentID,
				content:    chunk.Content,
				sourceURI:  chunk.SourceURI,
				pageNumber: chunk.PageNumber,
				metadata:   chunk.Metadata,
				denseScore: float64(dh.Score),
				hasDense:   true,
			}
		}
	}

	blended := blendScores(candidates)
	sort.Slice(blended, func(i, j int) bool {
		if blended[i].Score != blended[j].Score {
			return blended[i].Score > blended[j].Score
		}
		return blended[i].ChunkID.String() < blended[j].ChunkID.String()
	})

	diag := Diagnostics{
		DenseRetrieved:   len(denseHits),
		LexicalRetrieved: len(lexicalHits),
		MergedCandidates: len(candidates),
	}

	results := e.rerank(ctx, query, blended)
	diag.Returned = len(results)

	return Response{Query: query, TenantID: tenantID, Results: results, Diagnostics: diag}, nil
}

// blendScores min-max normalizes each score stream independently across the
// merged candidate set, then fuses them 0.5/0.5. A stream with all-equal
// scores (including a single contributor) normalizes every value to 1.0 per
// spec §4.5 step 6.
func blendScores(candidates map[uuid.UUID]*candidate) []Result {
	var denseMin, denseMax, lexMin, lexMax float64
	firstDense, firstLexical := true, true
	for _, c := range candidates {
		if c.hasDense {
			if firstDense || c.denseScore < denseMin {
				denseMin = c.denseScore
			}
			if firstDense || c.denseScore > denseMax {
				denseMax = c.denseScore
			}
			firstDense = false
		}
		if c.hasLexical {
			if firstLexical || c.lexScore < lexMin {
				lexMin = c.lexScore
			}
			if firstLexical || c.lexScore > lexMax {
				lexMax = c.lexScore
			}
			firstLexical = false
		}
	}

	normalize := func(x, min, max float64) float64 {
		if max == min {
			return 1.0
		}
		return (x - min) / (max - min)
	}

	out := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		var denseNorm, lexNorm float64
		result := Result{
			ChunkID:    c.chunkID,
			DocumentID: c.documentID,
			Content:    c.content,
			SourceURI:  c.sourceURI,
			PageNumber: c.pageNumber,
			Metadata:   c.metadata,
		}
		if c.hasDense {
			denseNorm = normalize(c.denseScore, denseMin, denseMax)
			score := c.denseScore
			result.DenseScore = &score
		}
		if c.hasLexical {
			lexNorm = normalize(c.lexScore, lexMin, lexMax)
			score := c.lexScore
			result.LexicalScore = &score
		}
		result.Score = 0.5*denseNorm + 0.5*lexNorm
		out = append(out, result)
	}
	return out
}
