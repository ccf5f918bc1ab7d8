// Package statusapi answers spec.md §4.9's job-status queries and fans
// progress out over Server-Sent Events, grounded on handlers/events.go's
// httprouter.Handle shape and progress/progress.go's periodic-tick
// reporting loop (progressCheckInterval), generalized from a one-shot
// callback POST into a long-lived push stream.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/julienschmidt/httprouter"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/eventbus"
	"github.com/livepeer/video-compositor-api/internal/jobqueue"
	"github.com/livepeer/video-compositor-api/internal/jobstore"
	"github.com/livepeer/video-compositor-api/internal/log"
	"github.com/livepeer/video-compositor-api/internal/videojob"
)

// KeepAliveInterval is how often an idle subscription gets an SSE comment
// line, matching progress/progress.go's own tick cadence for "is anyone
// still listening" liveness (there it's a report cadence; here it's a
// cadence floor below which no connection can look stalled to a proxy).
const KeepAliveInterval = 30 * time.Second

// API is the status-query and SSE-subscription surface. It owns no state
// beyond the collaborators it reads: JobQueue for the in-flight fast path,
// JobStore for the durable fallback, and the Bus for live updates.
type API struct {
	queue *jobqueue.Queue
	store *jobstore.Store
	bus   *eventbus.Bus
	clock clock.Clock
}

// New builds an API and wires JobStore's change callback to publish
// job:update on bus with the patched snapshot, per spec.md §4.8's
// "every state patch is also published on the EventBus as job:update...
// enabling SSE fan-out".
func New(queue *jobqueue.Queue, store *jobstore.Store, bus *eventbus.Bus) *API {
	a := &API{queue: queue, store: store, bus: bus, clock: clock.New()}
	store.OnChange(func(r jobstore.Record) {
		bus.Publish(context.Background(), eventbus.Event{
			Type:   eventbus.KindJobUpdate,
			Source: "jobstore",
			Data:   recordToData(r),
		})
	})
	return a
}

// Lookup implements the two-tier read of spec.md §4.9's closing line:
// consult the Queue first (it only answers for jobs it currently tracks),
// falling back to the Store, which is the durable source of truth for
// both in-flight and terminal jobs.
func (a *API) Lookup(jobID string) (jobstore.Record, error) {
	if rec, ok := a.queue.Status(jobID); ok {
		return rec, nil
	}
	rec, ok := a.store.Get(jobID)
	if !ok {
		return jobstore.Record{}, apierrors.New(apierrors.NotFound, "job "+jobID+" not found")
	}
	return rec, nil
}

// Result handles GET /video/result/{jobId}.
func (a *API) Result(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	jobID := ps.ByName("jobId")
	rec, err := a.Lookup(jobID)
	if err != nil {
		apierrors.WriteError(w, r.Header.Get("X-Correlation-Id"), err)
		return
	}
	apierrors.WriteJSON(w, http.StatusOK, r.Header.Get("X-Correlation-Id"), recordToData(rec))
}

// Cancel handles DELETE /video/job/{jobId}.
func (a *API) Cancel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	jobID := ps.ByName("jobId")
	if err := a.queue.Cancel(jobID); err != nil {
		apierrors.WriteError(w, r.Header.Get("X-Correlation-Id"), err)
		return
	}
	apierrors.WriteJSON(w, http.StatusOK, r.Header.Get("X-Correlation-Id"), map[string]string{"jobId": jobID, "status": "cancelling"})
}

// List handles GET /video/jobs.
func (a *API) List(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	apierrors.WriteJSON(w, http.StatusOK, r.Header.Get("X-Correlation-Id"), a.store.List(100))
}

// Details handles GET /video/job/{jobId}/details: the record plus its
// elements and per-track timeline, per spec.md §6's "job plus elements,
// timeline, and storage operations". It reads the Store directly rather
// than through Lookup, since detail views want the durably persisted
// record even while a job is mid-flight.
func (a *API) Details(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	jobID := ps.ByName("jobId")
	rec, ok := a.store.Get(jobID)
	if !ok {
		apierrors.WriteError(w, r.Header.Get("X-Correlation-Id"), apierrors.New(apierrors.NotFound, "job "+jobID+" not found"))
		return
	}
	data := recordToData(rec)
	data["elements"] = rec.Request.Elements
	data["timeline"] = timelineOf(rec.Request)
	data["storageOperations"] = map[string]interface{}{
		"resultUrl":       rec.ResultURL,
		"resultSizeBytes": rec.ResultSizeBytes,
	}
	apierrors.WriteJSON(w, http.StatusOK, r.Header.Get("X-Correlation-Id"), data)
}

// timelineOf groups elements by track number, the natural "timeline" view
// over a VideoJobRequest's flat element list.
func timelineOf(r videojob.Request) map[int][]videojob.VideoElement {
	tracks := make(map[int][]videojob.VideoElement)
	for _, e := range r.Elements {
		tracks[e.Track] = append(tracks[e.Track], e)
	}
	return tracks
}

// Subscribe handles GET /video/job/{jobId}/subscribe, streaming job:update
// events for one job as Server-Sent Events until the client disconnects or
// the job reaches a terminal status.
func (a *API) Subscribe(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	jobID := ps.ByName("jobId")
	rec, err := a.Lookup(jobID)
	if err != nil {
		apierrors.WriteError(w, r.Header.Get("X-Correlation-Id"), err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierrors.WriteError(w, r.Header.Get("X-Correlation-Id"), apierrors.New(apierrors.Internal, "streaming unsupported by this response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", recordToData(rec)); err != nil {
		return
	}
	flusher.Flush()
	if rec.Status.Terminal() {
		return
	}

	updates := make(chan eventbus.Event, 16)
	subID := a.bus.Subscribe([]eventbus.Kind{eventbus.KindJobUpdate}, func(_ context.Context, e eventbus.Event) error {
		select {
		case updates <- e:
		default:
			log.LogNoRequestID("dropping job:update for slow SSE subscriber", "jobId", jobID)
		}
		return nil
	}, eventbus.SubscribeOptions{Filter: &eventbus.Filter{DataEq: map[string]interface{}{"id": jobID}}})
	defer a.bus.Unsubscribe(subID)

	ticker := a.clock.Ticker(KeepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-updates:
			if err := writeEvent(w, "update", e.Data); err != nil {
				return
			}
			flusher.Flush()
			if data, ok := e.Data.(map[string]interface{}); ok {
				if status, _ := data["status"].(string); jobstore.Status(status).Terminal() {
					return
				}
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	return nil
}

func recordToData(r jobstore.Record) map[string]interface{} {
	return map[string]interface{}{
		"id":               r.ID,
		"status":           string(r.Status),
		"currentStep":      r.CurrentStep,
		"progressPercent":  r.ProgressPercent,
		"resultUrl":        r.ResultURL,
		"resultSizeBytes":  r.ResultSizeBytes,
		"processingTimeMs": r.ProcessingTimeMs,
		"error":            r.Error,
		"createdAt":        r.CreatedAt,
		"updatedAt":        r.UpdatedAt,
	}
}
