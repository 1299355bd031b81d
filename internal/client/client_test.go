package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/api"
)

func TestClientSendsTokenAndDecodes(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/healthz":
			_ = json.NewEncoder(w).Encode(api.HealthzResponse{Status: "ok", OpenAlerts: 3})
		case "/metrics":
			_ = json.NewEncoder(w).Encode(alert.Metrics{Total: 7, Open: 3})
		case "/alerts":
			gotQuery = r.URL.RawQuery
			_ = json.NewEncoder(w).Encode(api.AlertsResponse{Alerts: []*alert.Alert{{ID: "a1"}}, Count: 1})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok-1", nil)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 3, h.OpenAlerts)
	assert.Equal(t, "Bearer tok-1", gotAuth)

	m, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, m.Total)

	list, err := c.Alerts(ctx, "open", 20)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "limit=20&status=open", gotQuery)
}

func TestClientPostsResultsAndAcks(t *testing.T) {
	var posted []alert.LabResult
	var ack api.AckRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/results":
			_ = json.NewDecoder(r.Body).Decode(&posted)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(api.ResultsResponse{
				Alerts:   []*alert.Alert{{ID: "a1"}},
				Outcomes: []api.ResultOutcome{{Index: 0, Outcome: api.OutcomeAlert}},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/alerts/a1/ack":
			_ = json.NewDecoder(r.Body).Decode(&ack)
			_ = json.NewEncoder(w).Encode(alert.Alert{ID: "a1", Status: alert.StatusAcknowledged})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	resp, err := c.PostResults(context.Background(), []alert.LabResult{{PatientID: "P001", Test: "potassium", Value: 6.8}})
	require.NoError(t, err)
	require.Len(t, posted, 1)
	assert.Equal(t, "P001", posted[0].PatientID)
	assert.Len(t, resp.Alerts, 1)

	a, err := c.Acknowledge(context.Background(), "a1", "rn.jones", "called")
	require.NoError(t, err)
	assert.Equal(t, alert.StatusAcknowledged, a.Status)
	assert.Equal(t, api.AckRequest{By: "rn.jones", Note: "called"}, ack)
}

func TestClientReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "alert already acknowledged"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", nil)
	_, err := c.Acknowledge(context.Background(), "a1", "x", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "alert already acknowledged", apiErr.Message)

	_, err = c.Metrics(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Bad Gateway", apiErr.Message)
}
