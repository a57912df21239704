package retrieval

import (
	"context"
	"sort"
	"time"

	"github.com/fabfab/knowledgebase/internal/llm"
)

// rerank takes the top max(2*rerank_top_k, rerank_top_k) pre-rerank
// candidates, sends them to the reranker, and returns the top rerank_top_k
// by rerank score. On reranker timeout or parse failure it falls back to
// the pre-rerank top rerank_top_k unchanged, per spec §4.5 step 8.
func (e *Engine) rerank(ctx context.Context, query string, blended []Result) []Result {
	topK := e.cfg.RerankTopK
	if topK <= 0 {
		topK = len(blended)
	}

	window := 2 * topK
	if window < topK {
		window = topK
	}
	if window > len(blended) {
		window = len(blended)
	}
	preRerank := blended[:window]

	if e.reranker == nil || len(preRerank) == 0 {
		return capResults(preRerank, topK)
	}

	candidates := make([]llm.RerankCandidate, len(preRerank))
	for i, r := range preRerank {
		candidates[i] = llm.RerankCandidate{ChunkID: r.ChunkID.String(), Content: r.Content}
	}

	timeout := time.Duration(e.cfg.RerankerTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	scores, ok := e.reranker.Rerank(ctx, e.cfg.RerankerModel, query, candidates, timeout)
	if !ok {
		return capResults(preRerank, topK)
	}

	scoreByID := make(map[string]float64, len(scores))
	for _, s := range scores {
		scoreByID[s.ChunkID] = s.Score
	}

	reranked := make([]Result, len(preRerank))
	copy(reranked, preRerank)
	for i := range reranked {
		score, found := scoreByID[reranked[i].ChunkID.String()]
		if !found {
			score = 0
		}
		s := score
		reranked[i].RerankScore = &s
	}

	sortByRerankScore(reranked)
	return capResults(reranked, topK)
}

func sortByRerankScore(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		var a, b float64
		if results[i].RerankScore != nil {
			a = *results[i].RerankScore
		}
		if results[j].RerankScore != nil {
			b = *results[j].RerankScore
		}
		return a > b
	})
}

func capResults(results []Result, n int) []Result {
	if n <= 0 || n > len(results) {
		return results
	}
	return results[:n]
}
