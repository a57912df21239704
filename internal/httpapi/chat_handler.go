package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fabfab/knowledgebase/internal/apperr"
	"github.com/fabfab/knowledgebase/internal/guardrail"
	"github.com/fabfab/knowledgebase/internal/prompt"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Message       string        `json:"message"`
	History       []chatMessage `json:"history,omitempty"`
	PromptName    string        `json:"prompt_name,omitempty"`
	PromptVersion string        `json:"prompt_version,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

// streamingChatter is satisfied by a Chatter that also supports streaming
// a single model's completion (no fallback list), per the original's
// stream() semantics. A Chatter that only implements CompleteWithFallback
// falls back to the non-streaming path.
type streamingChatter interface {
	StreamComplete(ctx context.Context, model, system, user string, temperature float64, maxTokens int, onDelta func(string) error) error
}

// handleChat runs the full RAG pipeline: guardrail-check the input,
// retrieve supporting context, render a named/versioned prompt, generate
// an answer (with model fallback, or streamed from the default model),
// then redact PII from the answer before returning it. Grounded in the
// original's ChatOrchestrator.chat()/stream().
func (rt *Router) handleChat(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		writeAppError(w, apperr.Client(apperr.CodeValidationError, "missing X-Tenant-ID header"))
		return
	}
	if rt.chatter == nil {
		writeAppError(w, apperr.Fatal("config_error", "chat model not configured", nil))
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperr.Client(apperr.CodeValidationError, "decode request: "+err.Error()))
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeAppError(w, apperr.Client(apperr.CodeValidationError, "message must not be empty"))
		return
	}

	guard := rt.guardrail.InspectInput(message)
	if !guard.Allowed {
		writeAppError(w, apperr.Client(apperr.CodeValidationError, guard.Reason))
		return
	}
	sanitizedMessage := guard.Redacted

	ctx := r.Context()
	contextText, retrievedCount, err := rt.buildRetrievalContext(ctx, tenantID, sanitizedMessage)
	if err != nil {
		writeAppError(w, err)
		return
	}

	template, err := rt.prompts.Get(req.PromptName, req.PromptVersion)
	if err != nil {
		writeAppError(w, apperr.Client(apperr.CodeValidationError, err.Error()))
		return
	}
	historyText := guardrail.SummarizeHistory(toHistoryTurns(req.History))
	system, user := template.Render(sanitizedMessage, contextText, historyText)

	if req.Stream {
		if sc, ok := rt.chatter.(streamingChatter); ok {
			rt.streamChat(ctx, w, sc, template, system, user)
			return
		}
	}

	answer, modelUsed, err := rt.chatter.CompleteWithFallback(ctx, rt.cfg.DefaultModels, system, user, rt.cfg.Temperature, rt.cfg.MaxTokens)
	if err != nil {
		if ae, ok := apperr.As(err); !ok || ae.Code != apperr.CodeLLMFailed {
			// All fallback models exhausted without a permanent classification;
			// surface as llm_failed so the client sees 502, per spec §7.
			err = apperr.Permanent(apperr.CodeLLMFailed, "all fallback models exhausted", err)
		}
		writeAppError(w, err)
		return
	}
	answer = rt.guardrail.Redact(answer)

	writeJSON(w, http.StatusOK, map[string]any{
		"answer": answer,
		"diagnostics": map[string]any{
			"model":           modelUsed,
			"prompt_name":     template.Name,
			"prompt_version":  template.Version,
			"retrieved_count": retrievedCount,
		},
	})
}

// buildRetrievalContext runs hybrid retrieval (when configured) and formats
// the results into numbered, source-tagged context lines, mirroring
// ChatOrchestrator._format_context. An unconfigured retrieval engine (e.g.
// a chat-only deployment) yields an empty context rather than an error.
func (rt *Router) buildRetrievalContext(ctx context.Context, tenantID, query string) (string, int, error) {
	if rt.retrieval == nil {
		return "", 0, nil
	}
	resp, err := rt.retrieval.Retrieve(ctx, tenantID, query)
	if err != nil {
		return "", 0, err
	}
	if len(resp.Results) == 0 {
		return "", 0, nil
	}
	lines := make([]string, 0, len(resp.Results))
	for i, res := range resp.Results {
		source := res.SourceURI
		if source == "" {
			source = res.DocumentID.String()
		}
		lines = append(lines, fmt.Sprintf("[%d] source=%s\n%s", i+1, source, res.Content))
	}
	return strings.Join(lines, "\n\n"), len(resp.Results), nil
}

func toHistoryTurns(history []chatMessage) []guardrail.HistoryTurn {
	if len(history) == 0 {
		return nil
	}
	turns := make([]guardrail.HistoryTurn, len(history))
	for i, m := range history {
		turns[i] = guardrail.HistoryTurn{Role: m.Role, Content: m.Content}
	}
	return turns
}

// streamChat writes the answer as newline-delimited JSON events over a
// chunked response, redacting PII from each delta individually, mirroring
// the original's stream() which sanitizes chunk-by-chunk rather than only
// the assembled answer. Uses only the first configured default model: the
// original's stream() has no fallback loop.
func (rt *Router) streamChat(ctx context.Context, w http.ResponseWriter, sc streamingChatter, template prompt.Template, system, user string) {
	model := ""
	if len(rt.cfg.DefaultModels) > 0 {
		model = rt.cfg.DefaultModels[0]
	}
	if model == "" {
		writeAppError(w, apperr.Fatal("config_error", "no llm models configured", nil))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Prompt-Name", template.Name)
	w.Header().Set("X-Prompt-Version", template.Version)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	bufw := bufio.NewWriter(w)

	writeEvent := func(delta string, done bool) error {
		payload, _ := json.Marshal(map[string]any{"delta": rt.guardrail.Redact(delta), "done": done})
		if _, err := bufw.Write(payload); err != nil {
			return err
		}
		if _, err := bufw.WriteString("\n"); err != nil {
			return err
		}
		if err := bufw.Flush(); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	err := sc.StreamComplete(ctx, model, system, user, rt.cfg.Temperature, rt.cfg.MaxTokens, func(delta string) error {
		return writeEvent(delta, false)
	})
	if err != nil {
		_ = writeEvent("", true)
		return
	}
	_ = writeEvent("", true)
}
