package remote

import (
	"context"
	"net/http"

	"github.com/deeptube/mission-control/internal/domain"
)

// ProcessParams is the body of a writer process request.
type ProcessParams struct {
	DataURL   string `json:"data_url"`
	MissionID string `json:"mission_id"`
}

// ProcessStatus is a writer's report on a persistence job.
type ProcessStatus struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// WriterClient talks to one registered writer service.
type WriterClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewWriterClient binds a client to one writer's URL and key. A nil
// httpClient falls back to http.DefaultClient.
func NewWriterClient(w domain.Writer, httpClient *http.Client) *WriterClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WriterClient{baseURL: w.URL, apiKey: w.APIKey, client: httpClient}
}

// StartProcess submits the scraped data for persistence and returns the
// writer's job id.
func (c *WriterClient) StartProcess(ctx context.Context, params ProcessParams) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := doJSON(ctx, c.client, http.MethodPost, joinURL(c.baseURL, "/process"), c.apiKey, params, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// ProcessStatus fetches the state of a persistence job.
func (c *WriterClient) ProcessStatus(ctx context.Context, jobID string) (ProcessStatus, error) {
	var out ProcessStatus
	err := doJSON(ctx, c.client, http.MethodGet, joinURL(c.baseURL, "/status?job_id="+jobID), c.apiKey, nil, &out)
	return out, err
}
