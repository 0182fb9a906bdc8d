package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deeptube/mission-control/internal/domain"
)

func TestStartSessionSendsProxyAndKey(t *testing.T) {
	t.Parallel()

	var got StartSessionParams
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/session", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewWorkerClient(domain.Worker{URL: srv.URL, APIKey: "secret"}, srv.Client())
	err := c.StartSession(context.Background(), StartSessionParams{
		ForceRefresh: true,
		Proxy:        ProxyCredentials{Server: "10.0.0.1:8080", Username: "u", Password: "p"},
	})
	require.NoError(t, err)
	require.True(t, got.ForceRefresh)
	require.Equal(t, "10.0.0.1:8080", got.Proxy.Server)
}

func TestSessionStatusBucketsPhase(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"phase field", `{"status":"ok","phase":"ready"}`},
		{"status only", `{"status":"ready"}`},
		{"nested progress", `{"status":"ok","progress":{"phase":"ready"}}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/session/status", r.URL.Path)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewWorkerClient(domain.Worker{URL: srv.URL}, srv.Client())
			st, err := c.SessionStatus(context.Background())
			require.NoError(t, err)
			require.Equal(t, "ready", st.EffectivePhase())
			require.Equal(t, domain.PhaseReadyBucket, st.Bucket())
		})
	}
}

func TestStartScrapeReturnsJobID(t *testing.T) {
	t.Parallel()

	var got ScrapeParams
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/scrape", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-42"})
	}))
	defer srv.Close()

	c := NewWorkerClient(domain.Worker{URL: srv.URL}, srv.Client())
	jobID, err := c.StartScrape(context.Background(), ScrapeParams{
		DateRange: DateRange{Start: "2026-01-01", End: "2026-01-07"},
		Format:    "video",
		Languages: []string{"pt"},
		SortBy:    "qtd_ads",
		Options:   ScrapeOptions{MaxAds: 500, BatchSize: 50},
	})
	require.NoError(t, err)
	require.Equal(t, "job-42", jobID)
	require.Equal(t, DateRange{Start: "2026-01-01", End: "2026-01-07"}, got.DateRange)
	require.Equal(t, "qtd_ads", got.SortBy)
	require.Equal(t, 500, got.Options.MaxAds)
}

func TestScrapeStatusPassesJobID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/scrape/status", r.URL.Path)
		require.Equal(t, "job-42", r.URL.Query().Get("job_id"))
		_, _ = w.Write([]byte(`{"status":"completed","progress":{"ads_scraped":120}}`))
	}))
	defer srv.Close()

	c := NewWorkerClient(domain.Worker{URL: srv.URL}, srv.Client())
	st, err := c.ScrapeStatus(context.Background(), "job-42")
	require.NoError(t, err)
	require.Equal(t, JobCompleted, st.Status)
	require.Equal(t, 120, st.Scraped())
}

func TestCancelScrapeDeletesJob(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/scrape/job-42", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewWorkerClient(domain.Worker{URL: srv.URL}, srv.Client())
	require.NoError(t, c.CancelScrape(context.Background(), "job-42"))
}

func TestErrorStatusIncludesBodySnippet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session already active", http.StatusConflict)
	}))
	defer srv.Close()

	c := NewWorkerClient(domain.Worker{URL: srv.URL}, srv.Client())
	err := c.StartSession(context.Background(), StartSessionParams{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 409")
	require.Contains(t, err.Error(), "session already active")
}

func TestWriterProcessRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/process":
			require.Equal(t, http.MethodPost, r.Method)
			var params ProcessParams
			require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
			require.Equal(t, "m-1", params.MissionID)
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "wjob-7"})
		case "/status":
			require.Equal(t, "wjob-7", r.URL.Query().Get("job_id"))
			_ = json.NewEncoder(w).Encode(ProcessStatus{Status: JobRunning})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewWriterClient(domain.Writer{URL: srv.URL, APIKey: "k"}, srv.Client())
	jobID, err := c.StartProcess(context.Background(), ProcessParams{DataURL: "https://data/x.json", MissionID: "m-1"})
	require.NoError(t, err)
	require.Equal(t, "wjob-7", jobID)

	st, err := c.ProcessStatus(context.Background(), "wjob-7")
	require.NoError(t, err)
	require.Equal(t, JobRunning, st.Status)
}
