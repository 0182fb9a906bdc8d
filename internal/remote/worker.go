package remote

import (
	"context"
	"net/http"

	"github.com/deeptube/mission-control/internal/domain"
)

// ProxyCredentials is the egress proxy handed to a worker session.
type ProxyCredentials struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// StartSessionParams is the body of a session start request.
type StartSessionParams struct {
	ForceRefresh bool             `json:"force_refresh"`
	Proxy        ProxyCredentials `json:"proxy"`
}

// SessionStatus is a worker's report on its current session. Workers
// disagree on where the phase lives: top level, nested under progress, or
// only as a status string.
type SessionStatus struct {
	Status   string `json:"status"`
	Phase    string `json:"phase"`
	Progress struct {
		Phase string `json:"phase"`
	} `json:"progress"`
}

// EffectivePhase resolves the reported phase, falling back to the nested
// progress phase and then to the status field.
func (s SessionStatus) EffectivePhase() string {
	switch {
	case s.Phase != "":
		return s.Phase
	case s.Progress.Phase != "":
		return s.Progress.Phase
	case s.Status != "":
		return s.Status
	}
	return "unknown"
}

// Bucket classifies the resolved phase into the coarse progress buckets
// the session poll loop acts on.
func (s SessionStatus) Bucket() domain.PhaseBucket {
	return domain.BucketForPhase(s.EffectivePhase())
}

// ScrapeOptions bound the size of a scrape run.
type ScrapeOptions struct {
	MaxAds    int `json:"max_ads"`
	BatchSize int `json:"batch_size"`
}

// DateRange bounds a scrape run by date, inclusive.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ScrapeParams is the body of a scrape start request. An empty Format means
// the worker scrapes every media type.
type ScrapeParams struct {
	DateRange DateRange     `json:"date_range"`
	Format    string        `json:"format,omitempty"`
	Languages []string      `json:"languages"`
	SortBy    string        `json:"sort_by"`
	Options   ScrapeOptions `json:"options"`
}

// ScrapeStatus is a worker's report on a scrape job. Older workers nest the
// ad count under progress instead of reporting it at the top level.
type ScrapeStatus struct {
	Status     string `json:"status"`
	AdsScraped int    `json:"ads_scraped"`
	Progress   struct {
		AdsScraped int `json:"ads_scraped"`
	} `json:"progress"`
	Error string `json:"error"`
}

// Scraped returns the reported ad count from whichever field the worker set.
func (s ScrapeStatus) Scraped() int {
	if s.AdsScraped > 0 {
		return s.AdsScraped
	}
	return s.Progress.AdsScraped
}

// WorkerClient talks to one registered worker service.
type WorkerClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewWorkerClient binds a client to one worker's URL and key. A nil
// httpClient falls back to http.DefaultClient.
func NewWorkerClient(w domain.Worker, httpClient *http.Client) *WorkerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WorkerClient{baseURL: w.URL, apiKey: w.APIKey, client: httpClient}
}

// StartSession asks the worker to begin establishing a session through the
// given proxy.
func (c *WorkerClient) StartSession(ctx context.Context, params StartSessionParams) error {
	return doJSON(ctx, c.client, http.MethodPost, joinURL(c.baseURL, "/session"), c.apiKey, params, nil)
}

// SessionStatus fetches the worker's current session phase.
func (c *WorkerClient) SessionStatus(ctx context.Context) (SessionStatus, error) {
	var out SessionStatus
	err := doJSON(ctx, c.client, http.MethodGet, joinURL(c.baseURL, "/session/status"), c.apiKey, nil, &out)
	return out, err
}

// EndSession tears down the worker's session.
func (c *WorkerClient) EndSession(ctx context.Context) error {
	return doJSON(ctx, c.client, http.MethodDelete, joinURL(c.baseURL, "/session"), c.apiKey, nil, nil)
}

// StartScrape submits a scrape job and returns the worker's job id.
func (c *WorkerClient) StartScrape(ctx context.Context, params ScrapeParams) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := doJSON(ctx, c.client, http.MethodPost, joinURL(c.baseURL, "/scrape"), c.apiKey, params, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// ScrapeStatus fetches the state of a running scrape job.
func (c *WorkerClient) ScrapeStatus(ctx context.Context, jobID string) (ScrapeStatus, error) {
	var out ScrapeStatus
	err := doJSON(ctx, c.client, http.MethodGet, joinURL(c.baseURL, "/scrape/status?job_id="+jobID), c.apiKey, nil, &out)
	return out, err
}

// CancelScrape aborts a scrape job. Used on mission cancellation.
func (c *WorkerClient) CancelScrape(ctx context.Context, jobID string) error {
	return doJSON(ctx, c.client, http.MethodDelete, joinURL(c.baseURL, "/scrape/"+jobID), c.apiKey, nil, nil)
}
