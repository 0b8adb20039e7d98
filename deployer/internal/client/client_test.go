package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/service"
)

func TestPlanSendsTokenAndDecodes(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deployments/"+id.String()+"/plan", r.URL.Path)
		assert.Equal(t, "Bearer runner-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(service.Plan{ProjectName: "shop", StageName: "production"})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", Token: "runner-token"})
	require.NoError(t, err)
	plan, err := c.Plan(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "shop", plan.ProjectName)
	assert.Equal(t, "production", plan.StageName)
}

func TestCompleteRetriesUnavailable(t *testing.T) {
	id := uuid.New()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "success", body["status"])
		_ = json.NewEncoder(w).Encode(service.DeploymentView{Deployment: models.Deployment{ID: id, Status: models.StatusSuccess}})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Retries: 2, Timeout: time.Second})
	require.NoError(t, err)
	view, err := c.Complete(context.Background(), id, models.StatusSuccess)
	require.NoError(t, err)
	assert.True(t, view.Success())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCompleteDoesNotRetryRejections(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"deployment already completed"}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Retries: 3})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), uuid.New(), models.StatusFailed)
	var sErr *StatusError
	require.True(t, errors.As(err, &sErr))
	assert.Equal(t, http.StatusInternalServerError, sErr.Code)
	assert.Equal(t, "deployment already completed", sErr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCompleteDoesNotRetryTransportErrors(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{BaseURL: srv.URL, Retries: 3, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), uuid.New(), models.StatusSuccess)
	require.Error(t, err)
	var sErr *StatusError
	assert.False(t, errors.As(err, &sErr))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPlanRetriesTransportErrors(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
			return
		}
		_ = json.NewEncoder(w).Encode(service.Plan{ProjectName: "shop"})
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{BaseURL: srv.URL, Retries: 1, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	plan, err := c.Plan(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, "shop", plan.ProjectName)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
