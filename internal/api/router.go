// Package api is the public HTTP surface of spec.md §6, grounded on
// api/http_internal.go's NewCatalystAPIRouterInternal composition (one
// function building a *httprouter.Router from already-constructed
// collaborators) and middleware/*.go's func(httprouter.Handle)
// httprouter.Handle chaining idiom.
package api

import (
	"github.com/julienschmidt/httprouter"

	"github.com/livepeer/video-compositor-api/internal/health"
	"github.com/livepeer/video-compositor-api/internal/orchestrator"
	"github.com/livepeer/video-compositor-api/internal/statusapi"
)

// NewRouter wires every endpoint in spec.md §6 behind correlation-id
// assignment, access logging, and (for the one endpoint that admits new
// work) the capacity gate.
func NewRouter(orch *orchestrator.Orchestrator, status *statusapi.API, checker *health.Checker, maxInFlight int) *httprouter.Router {
	r := httprouter.New()
	gate := newCapacityGate(maxInFlight)

	chain := func(h httprouter.Handle) httprouter.Handle {
		return withCorrelationID(withAccessLog(h))
	}

	r.POST("/video/create", chain(gate.wrap(Create(orch))))
	r.GET("/video/result/:jobId", chain(status.Result))
	r.DELETE("/video/job/:jobId", chain(status.Cancel))
	r.GET("/video/jobs", chain(status.List))
	r.GET("/video/job/:jobId/details", chain(status.Details))
	r.GET("/video/job/:jobId/subscribe", chain(status.Subscribe))

	r.GET("/health", chain(Health(checker)))
	r.GET("/health/ready", chain(Ready(checker)))
	r.GET("/health/live", chain(Live))

	return r
}
