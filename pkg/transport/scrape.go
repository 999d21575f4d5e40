package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/CognicAI/Become-AI/pkg/bus"
	"github.com/CognicAI/Become-AI/pkg/chaterr"
)

// ScrapeJob is the backend's acknowledgement of a submitted ingestion job.
type ScrapeJob struct {
	JobID   string `json:"job_id"`
	SiteID  int    `json:"site_id"`
	Message string `json:"message"`
}

// JobStatus is the progress snapshot of one scrape job.
type JobStatus struct {
	JobID          string     `json:"job_id"`
	Status         string     `json:"status"`
	Progress       float64    `json:"progress"`
	PagesProcessed int        `json:"pages_processed"`
	PagesTotal     *int       `json:"pages_total"`
	CurrentTask    string     `json:"current_task"`
	ErrorMessage   string     `json:"error_message"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
}

// Terminal reports whether the job will make no further progress.
func (s JobStatus) Terminal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

// HealthStatus reports backend connectivity.
type HealthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func (h HealthStatus) Healthy() bool { return h.Status == "healthy" }

// SubmitScrape starts an ingestion job for baseURL. This flow never touches
// the conversation log; failures are published on the bus error topic and
// returned.
func (c *Client) SubmitScrape(ctx context.Context, siteName, baseURL, description string) (ScrapeJob, error) {
	if strings.TrimSpace(siteName) == "" {
		return ScrapeJob{}, chaterr.NewValidation("site_name", "is empty")
	}
	if _, err := parseAbsoluteHTTPURL(baseURL); err != nil {
		return ScrapeJob{}, chaterr.NewValidation("base_url", "must be an absolute http or https URL")
	}

	body, err := json.Marshal(map[string]string{
		"site_name":   siteName,
		"base_url":    baseURL,
		"description": description,
	})
	if err != nil {
		return ScrapeJob{}, errors.Wrap(err, "encode scrape request")
	}

	var job ScrapeJob
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint(c.scrapePath), bytes.NewReader(body), &job); err != nil {
		c.reportError("scrape", err)
		return ScrapeJob{}, err
	}
	c.logger.Info().Str("job_id", job.JobID).Str("base_url", baseURL).Msg("scrape job submitted")
	return job, nil
}

// ScrapeStatus fetches the current progress of a job.
func (c *Client) ScrapeStatus(ctx context.Context, jobID string) (JobStatus, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, chaterr.NewValidation("job_id", "is empty")
	}

	var status JobStatus
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint(c.scrapeStatusPath)+"/"+jobID, nil, &status); err != nil {
		c.reportError("scrape-status", err)
		return JobStatus{}, err
	}
	return status, nil
}

// WatchScrape polls a job's status until it terminates or ctx is cancelled.
// onUpdate, when non-nil, receives every observed snapshot.
func (c *Client) WatchScrape(ctx context.Context, jobID string, interval time.Duration, onUpdate func(JobStatus)) (JobStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.ScrapeStatus(ctx, jobID)
		if err != nil {
			return JobStatus{}, err
		}
		if onUpdate != nil {
			onUpdate(status)
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return JobStatus{}, &chaterr.CancelledError{}
		case <-ticker.C:
		}
	}
}

// Health probes the backend with a bounded timeout. It only reports
// connectivity; no other call is gated on it.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	var health HealthStatus
	err := c.doJSON(ctx, http.MethodGet, c.endpoint(c.healthPath), nil, &health)
	if err != nil {
		// An unhealthy backend answers 503 with the same body shape.
		var apiErr *chaterr.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
			health = HealthStatus{Status: "unhealthy"}
		}
		if c.bus != nil {
			c.bus.Publish(bus.TopicConnectionStatus, bus.ConnectionStatus{Connected: false, Detail: err.Error()})
		}
		return health, err
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicConnectionStatus, bus.ConnectionStatus{Connected: health.Healthy(), Detail: health.Database})
	}
	return health, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) doJSON(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return chaterr.WrapNetwork(err, url)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return &chaterr.CancelledError{}
		}
		return chaterr.WrapNetwork(err, url)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return chaterr.WrapNetwork(err, url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &chaterr.APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func (c *Client) reportError(source string, err error) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.TopicError, bus.ErrorEvent{Source: source, Err: err})
}
