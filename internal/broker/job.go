// Package broker defines the ingestion message schema and a Redis-backed
// reliable queue standing in for a pull-subscription broker, grounded in
// the pack's RedisQueue (list-based RPush/BLPop), extended with a
// processing list and BRPopLPush so in-flight messages survive a worker
// crash instead of being lost on pop.
package broker

import (
	"encoding/json"
	"time"

	"github.com/fabfab/knowledgebase/internal/apperr"
)

// ChunkConfig overrides the embedding pipeline's default chunk size/overlap.
type ChunkConfig struct {
	Size    int `json:"size"`
	Overlap int `json:"overlap"`
}

// Job is the ingestion message schema from spec §6.
type Job struct {
	Version     string            `json:"version"`
	RequestID   string            `json:"request_id"`
	TenantID    string            `json:"tenant_id"`
	DocumentID  string            `json:"document_id"`
	Filename    string            `json:"filename"`
	ContentType string            `json:"content_type"`
	BlobURI     string            `json:"blob_uri"`
	ChunkConfig *ChunkConfig      `json:"chunk_config,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Validate checks the required fields from spec §6, returning a permanent
// validation_error apperr.Error naming the first missing field.
func (j Job) Validate() error {
	missing := func(field string) error {
		return apperr.Permanent(apperr.CodeValidationError, "missing required field: "+field, nil)
	}
	switch {
	case j.RequestID == "":
		return missing("request_id")
	case j.TenantID == "":
		return missing("tenant_id")
	case j.DocumentID == "":
		return missing("document_id")
	case j.Filename == "":
		return missing("filename")
	case j.BlobURI == "":
		return missing("blob_uri")
	case j.ContentType == "":
		return missing("content_type")
	case j.SubmittedAt.IsZero():
		return missing("submitted_at")
	}
	return nil
}

// PushEnvelope is the HTTP push delivery body: base64-encoded message data
// plus broker attributes, mirroring a Pub/Sub push subscription payload.
type PushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// marshalJob encodes a Job to its JSON wire form.
func marshalJob(job Job) ([]byte, error) {
	return json.Marshal(job)
}

// DecodeJob parses a JSON job body and merges broker attributes with body
// attributes, broker attribute keys winning per spec §6. Callers handling
// a base64-wrapped push envelope decode message.data before calling this.
// When the body parses but fails validation, the partially decoded job is
// returned together with the error.
func DecodeJob(data []byte, brokerAttributes map[string]string) (Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, apperr.Permanent(apperr.CodeValidationError, "malformed ingestion message body", err)
	}

	merged := make(map[string]string, len(brokerAttributes)+len(job.Attributes))
	for k, v := range job.Attributes {
		merged[k] = v
	}
	for k, v := range brokerAttributes {
		merged[k] = v
	}
	job.Attributes = merged

	if err := job.Validate(); err != nil {
		return job, err
	}
	return job, nil
}
