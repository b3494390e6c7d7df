package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRouterHealthz(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := start.Add(45 * time.Second)
	clock := func() time.Time { return start }
	health := NewHealthHandlers(WithHealthClock(clock))
	clockNow := func() time.Time { return now }
	health.clock = clockNow

	router := NewRouter(WithHealthHandlers(health))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected status: %v", payload["status"])
	}
	if payload["uptime"] != "45s" {
		t.Fatalf("unexpected uptime: %v", payload["uptime"])
	}
}

type readyzCheck struct{ err error }

func (c readyzCheck) Check(context.Context) error { return c.err }

func TestRouterReadyzFailure(t *testing.T) {
	health := NewHealthHandlers(WithReadinessCheck(readyzCheck{err: errors.New("firestore unreachable")}))
	router := NewRouter(WithHealthHandlers(health))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "not_ready") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestRouterNotFoundEnvelope(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["error"] != errorNotFoundCode {
		t.Fatalf("unexpected error code: %v", payload["error"])
	}
}

func TestRouterUnconfiguredGroupNotImplemented(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/batches/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rr.Code)
	}
}

func TestRouterMountsBatchRoutes(t *testing.T) {
	coordinator := &coordinatorStub{}
	router := NewRouter(WithBatchRoutes(NewBatchHandlers(&pipelineStub{}, coordinator).Routes))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/batches/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}
