package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/fabfab/knowledgebase/internal/apperr"
	"github.com/fabfab/knowledgebase/internal/broker"
	"github.com/fabfab/knowledgebase/internal/logging"
)

// handlePubSubPush decodes a push-delivery envelope and processes the job
// synchronously, returning 200 on success or permanent error (so the
// broker does not redeliver) and 500 on transient failure (so it does),
// per spec §6 POST /pubsub/push.
func (rt *Router) handlePubSubPush(w http.ResponseWriter, r *http.Request) {
	if rt.processor == nil {
		writeAppError(w, apperr.Fatal("config_error", "ingestion processor not configured", nil))
		return
	}

	var envelope broker.PushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writePushOutcome(w, apperr.Permanent(apperr.CodeValidationError, "decode push envelope: "+err.Error(), err))
		return
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		writePushOutcome(w, apperr.Permanent(apperr.CodeValidationError, "decode message data: "+err.Error(), err))
		return
	}

	job, err := broker.DecodeJob(data, envelope.Message.Attributes)
	if err != nil {
		writePushOutcome(w, err)
		return
	}

	log := logging.With(rt.logger, logging.Correlation{RequestID: job.RequestID, TenantID: job.TenantID, DocumentID: job.DocumentID})
	if err := rt.processor.ProcessJob(r.Context(), job, log); err != nil {
		writePushOutcome(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// writePushOutcome maps a processing error to the push-delivery status
// contract: 200 on permanent error (ack, no redelivery), 500 on transient
// (the broker will redeliver), per spec §6 POST /pubsub/push.
func writePushOutcome(w http.ResponseWriter, err error) {
	if apperr.IsPermanent(err) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "permanent_error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "transient_error", "message": err.Error()})
}
