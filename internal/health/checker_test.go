package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepeer/video-compositor-api/internal/eventbus"
)

func TestRunOnce_HTTPCheckPassesOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(nil, time.Second, time.Second, 0, 10)
	c.Register(Check{Name: "api", Kind: CheckHTTP, Target: srv.URL})
	c.RunOnce(context.Background())

	snap := c.Snapshot()
	require.Contains(t, snap, "api")
	assert.Equal(t, StatusHealthy, snap["api"].Status)
}

func TestRunOnce_HTTPCheckFailsOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(nil, time.Second, time.Second, 0, 10)
	c.Register(Check{Name: "api", Kind: CheckHTTP, Target: srv.URL})
	c.RunOnce(context.Background())

	snap := c.Snapshot()
	assert.Equal(t, StatusUnhealthy, snap["api"].Status)
}

func TestAggregate_DegradedWhenAnyWarnNoFail(t *testing.T) {
	srv4xx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv4xx.Close()
	srvOK := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srvOK.Close()

	c := New(nil, time.Second, time.Second, 0, 10)
	c.Register(Check{Name: "warn", Kind: CheckHTTP, Target: srv4xx.URL})
	c.Register(Check{Name: "ok", Kind: CheckHTTP, Target: srvOK.URL})
	c.RunOnce(context.Background())

	assert.Equal(t, StatusDegraded, c.Aggregate())
}

func TestCustomCheck_Invoked(t *testing.T) {
	c := New(nil, time.Second, time.Second, 0, 10)
	c.Register(Check{Name: "custom", Kind: CheckCustom, CustomFunc: func(ctx context.Context) Outcome {
		return OutcomePass
	}})
	c.RunOnce(context.Background())
	assert.Equal(t, StatusHealthy, c.Aggregate())
}

func TestStatusChange_PublishesEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	bus := eventbus.New(100, 10)
	var events int
	bus.SubscribeAll(func(ctx context.Context, e eventbus.Event) error {
		if e.Type == eventbus.KindHealthStatus {
			events++
		}
		return nil
	}, eventbus.SubscribeOptions{})

	c := New(bus, time.Second, time.Second, 0, 10)
	c.Register(Check{Name: "api", Kind: CheckHTTP, Target: srv.URL})
	c.RunOnce(context.Background())

	assert.Equal(t, 1, events)
}
