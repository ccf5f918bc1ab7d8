package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// CallbackPayload is what gets POSTed to a job's CallbackURL on completion
// or failure.
type CallbackPayload struct {
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
	ResultURL  string `json:"resultUrl,omitempty"`
	Error      string `json:"error,omitempty"`
	OccurredAt string `json:"occurredAt"`
}

// CallbackNotifier delivers one-shot job-completion callbacks to a
// caller-supplied URL. Grounded on clients.PeriodicCallbackClient's
// retryablehttp configuration (RetryMax/RetryWaitMin/RetryWaitMax), adapted
// from that type's background polling loop over many in-flight jobs to a
// single bounded POST per call, since each VideoJobRequest carries its own
// CallbackURL rather than sharing one recording sink.
type CallbackNotifier struct {
	client *http.Client
}

func NewCallbackNotifier() *CallbackNotifier {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 1 * time.Second
	rc.Logger = nil
	rc.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	return &CallbackNotifier{client: rc.StandardClient()}
}

func (n *CallbackNotifier) Notify(ctx context.Context, url string, payload CallbackPayload) error {
	if url == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting callback to %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback to %s rejected with status %d", url, resp.StatusCode)
	}
	return nil
}
