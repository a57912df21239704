package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RerankCandidate is one item offered to the reranker.
type RerankCandidate struct {
	ChunkID string
	Content string
}

// RerankedScore is the reranker's verdict for one candidate.
type RerankedScore struct {
	ChunkID string
	Score   float64
}

const rerankerSystemPrompt = `You are a relevance scoring engine. Given a query and a list of candidate passages, score each passage's relevance to the query from 0.0 (irrelevant) to 1.0 (highly relevant). Respond with ONLY a JSON array of objects, each with "chunk_id" and "score" keys, one per candidate, in any order. Do not include any other text.`

// Rerank scores candidates against query using model, with a hard timeout.
// On timeout or unparseable output, it returns ok=false so the caller can
// gracefully degrade to pre-rerank ordering instead of failing the request.
func (c *Client) Rerank(ctx context.Context, model, query string, candidates []RerankCandidate, timeout time.Duration) (scores []RerankedScore, ok bool) {
	if len(candidates) == 0 {
		return nil, true
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	userPrompt := buildRerankPrompt(query, candidates)
	raw, err := c.Complete(ctx, model, rerankerSystemPrompt, userPrompt, 0.0, 0)
	if err != nil {
		return nil, false
	}

	parsed, err := parseRerankScores(raw)
	if err != nil {
		return nil, false
	}
	return parsed, true
}

func buildRerankPrompt(query string, candidates []RerankCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nCandidates:\n", query)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- chunk_id: %s\n  content: %s\n", c.ChunkID, truncate(c.Content, 500))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// parseRerankScores tolerantly extracts a JSON array of {chunk_id, score}
// from raw model output, which may be wrapped in prose or code fences.
func parseRerankScores(raw string) ([]RerankedScore, error) {
	candidate := raw
	if match := jsonArrayPattern.FindString(raw); match != "" {
		candidate = match
	}

	var entries []struct {
		ChunkID string  `json:"chunk_id"`
		Score   float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(candidate), &entries); err != nil {
		return nil, fmt.Errorf("parse reranker output: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("reranker returned no scores")
	}

	out := make([]RerankedScore, len(entries))
	for i, e := range entries {
		out[i] = RerankedScore{ChunkID: e.ChunkID, Score: e.Score}
	}
	return out, nil
}
