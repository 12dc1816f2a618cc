package healthz_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jdiitm/delayq/internal/consumer"
	"github.com/jdiitm/delayq/internal/healthz"
)

type stubReporter struct {
	lastBatch time.Time
}

func (s *stubReporter) LastBatchTime() time.Time {
	return s.lastBatch
}

type stubStates struct {
	states   map[string]consumer.State
	failures map[string]error
}

func (s stubStates) States() map[string]consumer.State { return s.states }

func (s stubStates) Failures() map[string]error { return s.failures }

func serve(checker *healthz.Checker) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	checker.ServeHTTP(rec, req)
	return rec
}

func TestCheckerHealthyAfterRecentActivity(t *testing.T) {
	checker := healthz.NewChecker(&stubReporter{lastBatch: time.Now()}, healthz.WithThreshold(45*time.Second))

	rec := serve(checker)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %q, want to contain ok", rec.Body.String())
	}
}

func TestCheckerUnhealthyWhenNoActivity(t *testing.T) {
	rec := serve(healthz.NewChecker(&stubReporter{}))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "no activity recorded") {
		t.Errorf("body = %q, want to contain 'no activity recorded'", rec.Body.String())
	}
}

func TestCheckerUnhealthyWhenActivityStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	checker := healthz.NewChecker(
		&stubReporter{lastBatch: now.Add(-2 * time.Minute)},
		healthz.WithClock(func() time.Time { return now }),
	)

	rec := serve(checker)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "stale") || !strings.Contains(body, "2m0s") {
		t.Errorf("body = %q, want stale with 2m0s since last poll", body)
	}
}

func TestCheckerCustomThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	checker := healthz.NewChecker(
		&stubReporter{lastBatch: now.Add(-10 * time.Second)},
		healthz.WithThreshold(5*time.Second),
		healthz.WithClock(func() time.Time { return now }),
	)

	if rec := serve(checker); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d (10s ago exceeds 5s threshold)", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestCheckerReportsContainerStates(t *testing.T) {
	checker := healthz.NewChecker(
		&stubReporter{lastBatch: time.Now()},
		healthz.WithContainers(stubStates{states: map[string]consumer.State{"orders": consumer.StateRunning, "audit": consumer.StateCreated}}),
	)

	rec := serve(checker)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"orders": "running"`) || !strings.Contains(body, `"audit": "created"`) {
		t.Errorf("body = %q, want both container states", body)
	}
}

func TestCheckerUnhealthyWhenContainerFailed(t *testing.T) {
	checker := healthz.NewChecker(
		&stubReporter{lastBatch: time.Now()},
		healthz.WithContainers(stubStates{
			states:   map[string]consumer.State{"orders": consumer.StateStopped},
			failures: map[string]error{"orders": errors.New("rejected")},
		}),
	)

	rec := serve(checker)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "container orders failed: rejected") {
		t.Errorf("body = %q, want failed container message", rec.Body.String())
	}
}

func TestCheckerHealthyWhenContainerStoppedOnRequest(t *testing.T) {
	checker := healthz.NewChecker(
		&stubReporter{lastBatch: time.Now()},
		healthz.WithContainers(stubStates{states: map[string]consumer.State{
			"orders": consumer.StateRunning,
			"audit":  consumer.StateStopped,
		}}),
	)

	rec := serve(checker)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"audit": "stopped"`) {
		t.Errorf("body = %q, want the stopped container listed", rec.Body.String())
	}
}

func TestCheckerResponseIsJSON(t *testing.T) {
	rec := serve(healthz.NewChecker(&stubReporter{lastBatch: time.Now()}))
	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}
