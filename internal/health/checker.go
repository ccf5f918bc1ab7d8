// Package health implements the periodic HealthChecker of spec.md §4.5:
// pluggable check kinds, healthy/degraded/unhealthy aggregation, uptime
// accumulation, and bounded history. Grounded on the teacher's health-check
// style in clients/ (context-bounded HTTP probes) generalized to the closed
// check-kind set the spec requires.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/livepeer/video-compositor-api/internal/eventbus"
	"github.com/livepeer/video-compositor-api/internal/metrics"
)

type CheckKind string

const (
	CheckHTTP    CheckKind = "http"
	CheckTCP     CheckKind = "tcp"
	CheckCommand CheckKind = "command"
	CheckCustom  CheckKind = "custom"
)

type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeWarn Outcome = "warn"
	OutcomeFail Outcome = "fail"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CustomCheckFunc is the invoked function for Check kind custom.
type CustomCheckFunc func(ctx context.Context) Outcome

// Check is one monitored target.
type Check struct {
	Name             string
	Kind             CheckKind
	Target           string // URL for http, host:port for tcp, command line for command
	Timeout          time.Duration
	ExpectedResponse []byte // http only: strict JSON equality when set
	CustomFunc       CustomCheckFunc
}

type record struct {
	name      string
	status    Status
	uptime    time.Duration
	lastGood  time.Time
	history   []Outcome
	historyCap int
}

// Checker runs registered checks on a fixed interval and aggregates results.
// HTTP checks retry through a retryablehttp.Client (grounded on the
// teacher's clients/callback_client.go periodic-callback retry policy);
// ticking runs on a benbjohnson/clock.Clock so tests can fast-forward time
// the way the teacher's progress package does.
type Checker struct {
	mu         sync.Mutex
	checks     map[string]Check
	records    map[string]*record
	interval   time.Duration
	timeout    time.Duration
	retries    int
	bus        *eventbus.Bus
	dialer     tcpDialer
	runner     commandRunner
	historyN   int
	httpClient *retryablehttp.Client
	clock      clock.Clock
}

type tcpDialer func(ctx context.Context, target string, timeout time.Duration) error
type commandRunner func(ctx context.Context, command string) (stdout, stderr []byte, err error)

func New(bus *eventbus.Bus, interval, timeout time.Duration, retries, historyN int) *Checker {
	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	httpClient.RetryMax = retries
	httpClient.RetryWaitMin = 50 * time.Millisecond
	httpClient.RetryWaitMax = 500 * time.Millisecond

	return &Checker{
		checks:     make(map[string]Check),
		records:    make(map[string]*record),
		interval:   interval,
		timeout:    timeout,
		retries:    retries,
		bus:        bus,
		dialer:     defaultDial,
		runner:     defaultRun,
		historyN:   historyN,
		httpClient: httpClient,
		clock:      clock.New(),
	}
}

func (c *Checker) Register(chk Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chk.Timeout <= 0 {
		chk.Timeout = c.timeout
	}
	c.checks[chk.Name] = chk
	c.records[chk.Name] = &record{name: chk.Name, status: StatusHealthy, historyCap: c.historyN}
}

// Run blocks, executing all checks every interval, until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := c.clock.Ticker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce executes every registered check once, concurrently, the way
// balancer.go's Start fans concurrent node probes out through an
// errgroup.Group — one slow check must never delay the rest from
// reporting on schedule.
func (c *Checker) RunOnce(ctx context.Context) {
	c.mu.Lock()
	checks := make([]Check, 0, len(c.checks))
	for _, chk := range c.checks {
		checks = append(checks, chk)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, chk := range checks {
		chk := chk
		g.Go(func() error {
			outcome := c.runWithRetries(ctx, chk)
			c.applyOutcome(ctx, chk.Name, outcome)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Checker) runWithRetries(ctx context.Context, chk Check) Outcome {
	var last Outcome
	attempts := c.retries + 1
	if chk.Kind == CheckHTTP {
		// retryablehttp.Client already retries internally (RetryMax),
		// so the outer loop would otherwise compound retry counts.
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		start := time.Now()
		last = c.runOne(ctx, chk)
		metrics.Metrics.HealthCheckDuration.WithLabelValues(chk.Name, string(chk.Kind)).Observe(time.Since(start).Seconds())
		if last == OutcomePass {
			return last
		}
	}
	return last
}

func (c *Checker) runOne(ctx context.Context, chk Check) Outcome {
	cctx, cancel := context.WithTimeout(ctx, chk.Timeout)
	defer cancel()

	switch chk.Kind {
	case CheckHTTP:
		return c.checkHTTP(cctx, chk)
	case CheckTCP:
		if c.dialer(cctx, chk.Target, chk.Timeout) != nil {
			return OutcomeFail
		}
		return OutcomePass
	case CheckCommand:
		return c.checkCommand(cctx, chk)
	case CheckCustom:
		if chk.CustomFunc == nil {
			return OutcomeFail
		}
		return chk.CustomFunc(cctx)
	default:
		return OutcomeFail
	}
}

func (c *Checker) checkHTTP(ctx context.Context, chk Check) Outcome {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, chk.Target, nil)
	if err != nil {
		return OutcomeFail
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return OutcomeFail
	}
	defer resp.Body.Close()

	if len(chk.ExpectedResponse) > 0 {
		var got, want interface{}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return OutcomeFail
		}
		if err := json.Unmarshal(raw, &got); err != nil {
			return OutcomeFail
		}
		if err := json.Unmarshal(chk.ExpectedResponse, &want); err != nil {
			return OutcomeFail
		}
		if !jsonEqual(got, want) {
			return OutcomeFail
		}
		return OutcomePass
	}

	if resp.StatusCode >= 500 {
		return OutcomeFail
	}
	if resp.StatusCode >= 400 {
		return OutcomeWarn
	}
	return OutcomePass
}

func (c *Checker) checkCommand(ctx context.Context, chk Check) Outcome {
	_, stderr, err := c.runner(ctx, chk.Target)
	if err != nil || len(stderr) > 0 {
		return OutcomeFail
	}
	return OutcomePass
}

func (c *Checker) applyOutcome(ctx context.Context, name string, outcome Outcome) {
	c.mu.Lock()
	rec, ok := c.records[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	prevStatus := rec.status
	rec.history = append(rec.history, outcome)
	if rec.historyCap > 0 && len(rec.history) > rec.historyCap {
		rec.history = rec.history[len(rec.history)-rec.historyCap:]
	}

	newStatus := outcomeToStatus(outcome)
	now := time.Now().UTC()
	if newStatus == StatusHealthy {
		if !rec.lastGood.IsZero() {
			rec.uptime += now.Sub(rec.lastGood)
		}
		rec.lastGood = now
	} else {
		rec.uptime = 0
		rec.lastGood = time.Time{}
	}
	rec.status = newStatus
	changed := prevStatus != newStatus
	c.mu.Unlock()

	if changed && c.bus != nil {
		c.bus.Publish(ctx, eventbus.Event{
			Type:   eventbus.KindHealthStatus,
			Source: "health",
			Data:   map[string]interface{}{"check": name, "status": string(newStatus)},
		})
	}
}

func outcomeToStatus(o Outcome) Status {
	switch o {
	case OutcomePass:
		return StatusHealthy
	case OutcomeWarn:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// Aggregate implements spec.md §4.5's status-aggregation rule across all
// registered checks: healthy if all pass, degraded if any warn but none
// fail, unhealthy if any fail.
func (c *Checker) Aggregate() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := StatusHealthy
	for _, rec := range c.records {
		switch rec.status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// Snapshot returns a copy of every check's current status, uptime, and
// recent history, for the /health endpoint.
func (c *Checker) Snapshot() map[string]CheckSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]CheckSnapshot, len(c.records))
	for name, rec := range c.records {
		hist := make([]Outcome, len(rec.history))
		copy(hist, rec.history)
		out[name] = CheckSnapshot{Status: rec.status, Uptime: rec.uptime, History: hist}
	}
	return out
}

type CheckSnapshot struct {
	Status  Status
	Uptime  time.Duration
	History []Outcome
}

func jsonEqual(a, b interface{}) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return bytes.Equal(ab, bb)
}

func defaultDial(ctx context.Context, target string, timeout time.Duration) error {
	var d dialerImpl
	return d.dial(ctx, target, timeout)
}

func defaultRun(ctx context.Context, command string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
