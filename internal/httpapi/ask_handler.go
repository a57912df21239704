package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/fabfab/knowledgebase/internal/apperr"
)

type askRequest struct {
	Query string `json:"query"`
}

type askResultView struct {
	ChunkID      string         `json:"chunk_id"`
	DocumentID   string         `json:"document_id"`
	Content      string         `json:"content"`
	SourceURI    string         `json:"source_uri,omitempty"`
	PageNumber   *int           `json:"page_number,omitempty"`
	DenseScore   *float64       `json:"dense_score,omitempty"`
	LexicalScore *float64       `json:"lexical_score,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// handleAsk runs hybrid retrieval for a query, per spec §6 POST /ask.
func (rt *Router) handleAsk(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		writeAppError(w, apperr.Client(apperr.CodeValidationError, "missing X-Tenant-ID header"))
		return
	}
	if rt.retrieval == nil {
		writeAppError(w, apperr.Fatal("config_error", "retrieval engine not configured", nil))
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperr.Client(apperr.CodeValidationError, "decode request: "+err.Error()))
		return
	}

	resp, err := rt.retrieval.Retrieve(r.Context(), tenantID, req.Query)
	if err != nil {
		writeAppError(w, err)
		return
	}

	results := make([]askResultView, len(resp.Results))
	for i, res := range resp.Results {
		metadata := res.Metadata
		if res.RerankScore != nil {
			if metadata == nil {
				metadata = make(map[string]any, 1)
			} else {
				merged := make(map[string]any, len(metadata)+1)
				for k, v := range metadata {
					merged[k] = v
				}
				metadata = merged
			}
			metadata["rerank_score"] = *res.RerankScore
		}
		results[i] = askResultView{
			ChunkID:      res.ChunkID.String(),
			DocumentID:   res.DocumentID.String(),
			Content:      res.Content,
			SourceURI:    res.SourceURI,
			PageNumber:   res.PageNumber,
			DenseScore:   res.DenseScore,
			LexicalScore: res.LexicalScore,
			Metadata:     metadata,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":     resp.Query,
		"tenant_id": resp.TenantID,
		"results":   results,
		"diagnostics": map[string]any{
			"dense_retrieved":   resp.Diagnostics.DenseRetrieved,
			"lexical_retrieved": resp.Diagnostics.LexicalRetrieved,
			"merged_candidates": resp.Diagnostics.MergedCandidates,
			"returned":          resp.Diagnostics.Returned,
		},
	})
}
