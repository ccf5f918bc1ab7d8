package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/log"
	"github.com/livepeer/video-compositor-api/internal/orchestrator"
	"github.com/livepeer/video-compositor-api/internal/videojob"
)

// Create handles POST /video/create: validate against the compiled JSON
// schema, unmarshal, apply videojob.Validate's semantic invariants, then
// hand the request to the Orchestrator — the same two-stage
// schema-then-domain validation handlers/upload.go performs before ever
// touching its pipeline.
func Create(orch *orchestrator.Orchestrator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			apierrors.WriteError(w, correlationID, apierrors.Wrap(apierrors.Validation, "cannot read request body", err))
			return
		}

		result, err := createRequestSchema.Validate(gojsonschema.NewBytesLoader(payload))
		if err != nil {
			apierrors.WriteError(w, correlationID, apierrors.Wrap(apierrors.Internal, "cannot validate request payload", err))
			return
		}
		if !result.Valid() {
			apierrors.WriteError(w, correlationID, apierrors.New(apierrors.Validation, fmt.Sprintf("invalid request payload: %s", result.Errors())))
			return
		}

		var req videojob.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			apierrors.WriteError(w, correlationID, apierrors.Wrap(apierrors.Validation, "malformed JSON body", err))
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		if err := videojob.Validate(&req); err != nil {
			apierrors.WriteError(w, correlationID, err)
			return
		}

		log.Log(correlationID, "accepted video job", "jobId", req.ID, "elements", len(req.Elements))

		outcome := orch.Orchestrate(r.Context(), req)
		writeOrchestrationResult(w, correlationID, outcome)
	}
}

func writeOrchestrationResult(w http.ResponseWriter, correlationID string, outcome orchestrator.Result) {
	switch outcome.Status {
	case orchestrator.StatusImmediate:
		apierrors.WriteJSON(w, http.StatusOK, correlationID, map[string]interface{}{
			"status":         outcome.Status,
			"jobId":          outcome.JobID,
			"result":         outcome.Result,
			"processingTime": outcome.ProcessingTime.Milliseconds(),
		})
	case orchestrator.StatusAsync:
		apierrors.WriteJSON(w, http.StatusAccepted, correlationID, map[string]interface{}{
			"status":              outcome.Status,
			"jobId":               outcome.JobID,
			"estimatedCompletion": outcome.EstimatedCompletion,
			"statusCheckEndpoint": outcome.StatusCheckEndpoint,
		})
	default:
		kind := apierrors.Internal
		if outcome.Recoverable {
			kind = apierrors.NoSuitableNode
		}
		apierrors.WriteError(w, correlationID, apierrors.New(kind, outcome.Error))
	}
}
