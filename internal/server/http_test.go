package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskweave/taskweave/internal/buffer"
	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/observability"
)

type fakeFlusher struct {
	result    buffer.FlushResult
	projectID uuid.UUID
	sessionID uuid.UUID
	calls     int
}

func (f *fakeFlusher) FlushSession(ctx context.Context, projectID, sessionID uuid.UUID) buffer.FlushResult {
	f.calls++
	f.projectID = projectID
	f.sessionID = sessionID
	return f.result
}

func newTestServer(flusher *fakeFlusher) *Server {
	return New(config.Default().Server, flusher, prometheus.NewRegistry(), observability.NewTestLogger())
}

func flushPath(projectID, sessionID string) string {
	return fmt.Sprintf("/v1/projects/%s/sessions/%s/flush", projectID, sessionID)
}

func TestHandleFlush(t *testing.T) {
	tests := []struct {
		name       string
		result     buffer.FlushResult
		wantStatus int
	}{
		{name: "clean flush", result: buffer.FlushResult{Status: buffer.FlushOK}, wantStatus: buffer.FlushOK},
		{name: "failed flush is still 200", result: buffer.FlushResult{Status: buffer.FlushFailed, Errmsg: "db down"}, wantStatus: buffer.FlushFailed},
		{name: "lock timeout is still 200", result: buffer.FlushResult{Status: buffer.FlushLockTimeout, Errmsg: "timed out waiting for session lock"}, wantStatus: buffer.FlushLockTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flusher := &fakeFlusher{result: tt.result}
			s := newTestServer(flusher)

			projectID, sessionID := uuid.New(), uuid.New()
			req := httptest.NewRequest(http.MethodPost, flushPath(projectID.String(), sessionID.String()), nil)
			rec := httptest.NewRecorder()
			s.http.Handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("got http %d, want 200", rec.Code)
			}
			var got buffer.FlushResult
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if got.Status != tt.wantStatus || got.Errmsg != tt.result.Errmsg {
				t.Errorf("got %+v, want %+v", got, tt.result)
			}
			if flusher.projectID != projectID || flusher.sessionID != sessionID {
				t.Error("path ids not forwarded to the flusher")
			}
		})
	}
}

func TestHandleFlush_BadIDs(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "bad project id", path: flushPath("not-a-uuid", uuid.New().String())},
		{name: "bad session id", path: flushPath(uuid.New().String(), "not-a-uuid")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flusher := &fakeFlusher{}
			s := newTestServer(flusher)

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			rec := httptest.NewRecorder()
			s.http.Handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("got http %d, want 400", rec.Code)
			}
			if flusher.calls != 0 {
				t.Error("flusher must not run for malformed ids")
			}
		})
	}
}

func TestHandleFlush_MethodNotAllowed(t *testing.T) {
	s := newTestServer(&fakeFlusher{})

	req := httptest.NewRequest(http.MethodGet, flushPath(uuid.New().String(), uuid.New().String()), nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("got http %d, want 405", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&fakeFlusher{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got http %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	observability.NewMetricsWith(registry)
	s := New(config.Default().Server, &fakeFlusher{}, registry, observability.NewTestLogger())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got http %d, want 200", rec.Code)
	}
}
