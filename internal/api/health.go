package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/health"
)

// Health handles GET /health: the full aggregate status plus a per-check
// snapshot, the richest of the three health endpoints.
func Health(checker *health.Checker) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		status := checker.Aggregate()
		httpStatus := http.StatusOK
		if status == health.StatusUnhealthy {
			httpStatus = http.StatusServiceUnavailable
		}
		apierrors.WriteJSON(w, httpStatus, r.Header.Get("X-Correlation-Id"), map[string]interface{}{
			"status": status,
			"checks": checker.Snapshot(),
		})
	}
}

// Ready handles GET /health/ready: a cheap boolean readiness probe for load
// balancers — degraded still accepts traffic, only unhealthy does not.
func Ready(checker *health.Checker) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if checker.Aggregate() == health.StatusUnhealthy {
			apierrors.WriteError(w, r.Header.Get("X-Correlation-Id"), apierrors.New(apierrors.TransientExternal, "dependent checks unhealthy"))
			return
		}
		apierrors.WriteJSON(w, http.StatusOK, r.Header.Get("X-Correlation-Id"), map[string]string{"status": "ready"})
	}
}

// Live handles GET /health/live: the process is up and serving requests at
// all, independent of any dependency's health.
func Live(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	apierrors.WriteJSON(w, http.StatusOK, r.Header.Get("X-Correlation-Id"), map[string]string{"status": "alive"})
}
