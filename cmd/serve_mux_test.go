package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/config"
	"github.com/sells-group/research-engine/internal/engine"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/strategy"
)

func newServeTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := &config.Config{
		Store:  config.StoreConfig{Driver: "memory"},
		Limits: config.LimitsConfig{MaxConcurrentPerTarget: 3, RequestsPerSecondPerTarget: 100},
		Retry:  config.RetryConfig{MaxAttempts: 1, BaseDelayMS: 1, MaxDelayMS: 10, RequestTimeoutSecs: 5},
		Cache:  config.CacheConfig{TTLHours: 1, MaxEntries: 16},
		Orchestrator: config.OrchestratorConfig{
			MaxStrategiesPerJob: 5, MaxJobDurationSecs: 30,
			MaxParallelStrategies: 3, CoverageThreshold: 80,
		},
		Match: config.MatchConfig{FuzzyThreshold: 0.85},
	}
	eng, err := engine.New(context.Background(), cfg, strategy.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() }) //nolint:errcheck
	return eng
}

func TestMux_HealthEndpoint(t *testing.T) {
	mux := newMux(newServeTestEngine(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "cache")
}

func TestMux_CreateJob(t *testing.T) {
	eng := newServeTestEngine(t)
	mux := newMux(eng)

	payload, _ := json.Marshal(map[string]any{"name": "Acme Capital", "type": "company"})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)

	var job model.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	require.NotEmpty(t, job.ID)

	// The async run finishes quickly with an empty registry; the job must
	// reach a terminal state without disappearing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := eng.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		if got.Status.Terminal() {
			assert.Equal(t, model.JobStatusFailed, got.Status)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never finished (status %s)", job.ID, got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMux_CreateJob_Invalid(t *testing.T) {
	mux := newMux(newServeTestEngine(t))

	for name, body := range map[string]string{
		"empty body": `{}`,
		"bad type":   `{"name":"Acme","type":"satellite"}`,
		"not json":   `nope`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte(body)))
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestMux_GetJob_NotFound(t *testing.T) {
	mux := newMux(newServeTestEngine(t))

	req := httptest.NewRequest(http.MethodGet, "/jobs/nonexistent", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMux_GetEntity_NotFound(t *testing.T) {
	mux := newMux(newServeTestEngine(t))

	req := httptest.NewRequest(http.MethodGet, "/entities/Ghost%20Corp", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestShutdownServer_DrainsInFlightRequests(t *testing.T) {
	started := make(chan struct{})
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}),
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln) //nolint:errcheck

	result := make(chan error, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				err = errors.New(resp.Status)
			}
		}
		result <- err
	}()

	<-started
	shutdownServer(srv)
	require.NoError(t, <-result)
}
