package embedding

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/fabfab/knowledgebase/internal/apperr"
	"github.com/fabfab/knowledgebase/internal/domain"
)

// Provider embeds a batch of chunk texts, returning one vector per text in
// the same order. Implementations may batch internally or stream in
// fixed-size sub-batches when the upstream provider caps request size.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Output is one embedded chunk produced by the pipeline.
type Output struct {
	ChunkID  uuid.UUID
	Text     string
	Vector   []float32
	Metadata map[string]any
}

// Pipeline loads a document, segments it, and embeds the resulting chunks.
type Pipeline struct {
	provider  Provider
	batchSize int
}

// New builds a Pipeline around the given embedding provider. batchSize
// bounds how many chunk texts are sent to the provider per call; <=0
// means "send everything in a single call". The provider's own request
// limits are not detected, and a failed call is not retried in batches.
func New(provider Provider, batchSize int) *Pipeline {
	return &Pipeline{provider: provider, batchSize: batchSize}
}

// Run produces a deterministic, ordered sequence of embedded chunks from a
// local PDF file. ingestionContext carries caller-supplied metadata
// (tenant context, request correlation, etc.) merged into every chunk's
// metadata. cfg is the chunk_size/chunk_overlap configuration; the zero
// value selects spec defaults.
func (p *Pipeline) Run(ctx context.Context, path string, ingestionContext map[string]any, cfg SplitConfig) ([]Output, error) {
	if cfg.ChunkSize == 0 {
		cfg = DefaultSplitConfig()
	}

	pages, err := LoadPDF(path)
	if err != nil {
		return nil, err
	}

	type segment struct {
		text       string
		pageNumber int
	}
	var segments []segment
	for _, page := range pages {
		for _, piece := range SplitText(page.Text, cfg) {
			if strings.TrimSpace(piece) == "" {
				continue
			}
			segments = append(segments, segment{text: piece, pageNumber: page.Number})
		}
	}
	if len(segments) == 0 {
		return nil, apperr.Permanent(apperr.CodeEmptyDocument, "no chunks produced from "+path, nil)
	}

	texts := make([]string, len(segments))
	for i, s := range segments {
		texts[i] = s.text
	}

	vectors, err := p.embedBatched(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(segments) {
		return nil, apperr.Permanent(apperr.CodeEmbeddingConfigError, "provider returned mismatched vector count", nil)
	}

	sourcePath := path
	outputs := make([]Output, len(segments))
	for i, s := range segments {
		pageNumber := s.pageNumber
		metadata := mergeMetadata(
			map[string]any{"page_number": pageNumber},
			ingestionContext,
			map[string]any{"chunk_index": i, "source_path": sourcePath},
		)
		outputs[i] = Output{
			ChunkID:  uuid.New(),
			Text:     s.text,
			Vector:   vectors[i],
			Metadata: metadata,
		}
	}
	return outputs, nil
}

// embedBatched sends texts to the provider, splitting into fixed-size
// batches when p.batchSize is positive and smaller than len(texts).
func (p *Pipeline) embedBatched(ctx context.Context, texts []string) ([][]float32, error) {
	if p.batchSize <= 0 || len(texts) <= p.batchSize {
		return p.provider.Embed(ctx, texts)
	}

	var out [][]float32
	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.provider.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// mergeMetadata merges maps in order, later maps winning on key conflicts.
func mergeMetadata(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// ToChunks converts pipeline outputs into domain.Chunk rows ready for
// MetadataRepo.UpsertChunks, stamping schema_version and embedding_model.
func ToChunks(outputs []Output, documentID uuid.UUID, tenantID, schemaVersion, embeddingModel string) []domain.Chunk {
	chunks := make([]domain.Chunk, len(outputs))
	for i, o := range outputs {
		var pageNumber *int
		if pn, ok := o.Metadata["page_number"].(int); ok {
			pageNumber = &pn
		}
		sourceURI, _ := o.Metadata["source_path"].(string)
		chunks[i] = domain.Chunk{
			ChunkID:        o.ChunkID,
			DocumentID:     documentID,
			TenantID:       tenantID,
			ChunkIndex:     i,
			Content:        o.Text,
			ContentHash:    domain.ComputeContentHash(o.Text),
			SchemaVersion:  schemaVersion,
			EmbeddingModel: embeddingModel,
			SourceURI:      sourceURI,
			PageNumber:     pageNumber,
			Metadata:       o.Metadata,
		}
	}
	return chunks
}

// ToEmbeddings converts pipeline outputs into domain.Embedding rows ready
// for VectorStore.UpsertEmbeddings.
func ToEmbeddings(outputs []Output, tenantID, documentID string) []domain.Embedding {
	embeddings := make([]domain.Embedding, len(outputs))
	for i, o := range outputs {
		meta := mergeMetadata(o.Metadata, map[string]any{"tenant_id": tenantID, "document_id": documentID})
		embeddings[i] = domain.Embedding{
			ChunkID:  o.ChunkID,
			TenantID: tenantID,
			Values:   o.Vector,
			Metadata: meta,
		}
	}
	return embeddings
}
