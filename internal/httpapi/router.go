// Package httpapi wires the HTTP surface from spec §6 on top of chi,
// grounded in the teacher's server.Server (chi router, middleware stack,
// writeJSON/writeError helpers), generalized to the multi-tenant retrieval
// platform's endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fabfab/knowledgebase/internal/apperr"
	"github.com/fabfab/knowledgebase/internal/broker"
	"github.com/fabfab/knowledgebase/internal/guardrail"
	"github.com/fabfab/knowledgebase/internal/ingestion"
	"github.com/fabfab/knowledgebase/internal/prompt"
	"github.com/fabfab/knowledgebase/internal/retrieval"
)

// Uploader persists an uploaded document and returns its blob URI.
type Uploader interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (string, error)
}

// Enqueuer publishes an ingestion job onto the broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, job broker.Job) error
}

// Processor runs a single ingestion job synchronously, for push delivery.
type Processor interface {
	ProcessJob(ctx context.Context, job broker.Job, log zerolog.Logger) error
}

// Chatter generates chat completions with model fallback.
type Chatter interface {
	CompleteWithFallback(ctx context.Context, models []string, system, user string, temperature float64, maxTokens int) (string, string, error)
}

// Config configures Router-level behavior.
type Config struct {
	UploadBucket   string
	DefaultModels  []string
	MaxInputChars  int
	BannedPhrases  []string
	PIIPatterns    []string
	Temperature    float64
	MaxTokens      int
	AllowedOrigins []string
}

// Router wires the HTTP surface to its underlying collaborators.
type Router struct {
	cfg       Config
	router    chi.Router
	uploader  Uploader
	enqueuer  Enqueuer
	processor Processor
	retrieval *retrieval.Engine
	chatter   Chatter
	guardrail *guardrail.Guardrail
	prompts   *prompt.Registry
	logger    zerolog.Logger
}

// New constructs a Router. Any collaborator may be nil if its endpoint is
// not wired for a given deployment (e.g. a read-only retrieval-only node).
func New(cfg Config, uploader Uploader, enqueuer Enqueuer, processor Processor, retrievalEngine *retrieval.Engine, chatter Chatter, logger zerolog.Logger) *Router {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Logger)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Tenant-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	rt := &Router{
		cfg:       cfg,
		router:    mux,
		uploader:  uploader,
		enqueuer:  enqueuer,
		processor: processor,
		retrieval: retrievalEngine,
		chatter:   chatter,
		guardrail: guardrail.New(guardrail.Config{
			MaxInputChars: cfg.MaxInputChars,
			BannedPhrases: cfg.BannedPhrases,
			PIIPatterns:   cfg.PIIPatterns,
		}),
		prompts: prompt.NewDefault(),
		logger:  logger,
	}

	mux.Get("/healthz", rt.handleHealthz)
	mux.Post("/ingest", rt.handleIngest)
	mux.Post("/ask", rt.handleAsk)
	mux.Post("/chat", rt.handleChat)
	mux.Post("/pubsub/push", rt.handlePubSubPush)

	return rt
}

// ServeHTTP makes Router an http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.router.ServeHTTP(w, r)
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func tenantFromRequest(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return ""
}

func newRequestID() string { return uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		fmt.Printf("failed to write JSON response: %v\n", err)
	}
}

// writeAppError maps an apperr.Error (or any error) to its HTTP status and
// a structured {code, message} body; unrecognized errors map to 500.
func writeAppError(w http.ResponseWriter, err error) {
	if ae, ok := apperr.As(err); ok {
		writeJSON(w, ae.HTTPStatus(), map[string]any{"code": ae.Code, "message": ae.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"code": "internal_error", "message": err.Error()})
}

var _ Processor = (*ingestion.Worker)(nil)
