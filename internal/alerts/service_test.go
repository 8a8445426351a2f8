package alerts

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chronicle/internal/config"
)

type capturedRequest struct {
	title    string
	tags     string
	priority string
	body     string
}

type captureServer struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
}

func (c *captureServer) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.requests = append(c.requests, capturedRequest{
		title:    r.Header.Get("Title"),
		tags:     r.Header.Get("Tags"),
		priority: r.Header.Get("Priority"),
		body:     string(body),
	})
	status := c.status
	c.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (c *captureServer) all() []capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedRequest(nil), c.requests...)
}

func newTestService(t *testing.T, mutate func(*config.Config)) (Service, *captureServer) {
	t.Helper()
	capture := &captureServer{}
	server := httptest.NewServer(http.HandlerFunc(capture.handler))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Alerts.NtfyTopic = server.URL
	if mutate != nil {
		mutate(&cfg)
	}
	return NewService(&cfg), capture
}

func TestNoopWhenTopicUnset(t *testing.T) {
	cfg := config.Default()
	service := NewService(&cfg)
	if _, ok := service.(noopService); !ok {
		t.Fatalf("service = %T, want noop without a topic", service)
	}
	if err := service.NotifyQuotaExceeded(context.Background(), "daily-spend", "over"); err != nil {
		t.Fatalf("noop returned error: %v", err)
	}
	if err := service.TestNotification(context.Background()); err != nil {
		t.Fatalf("noop returned error: %v", err)
	}
}

func TestQuotaExceededSendsHighPriority(t *testing.T) {
	service, capture := newTestService(t, nil)
	if err := service.NotifyQuotaExceeded(context.Background(), "daily-spend", "window cost 12.0000"); err != nil {
		t.Fatalf("NotifyQuotaExceeded: %v", err)
	}

	requests := capture.all()
	if len(requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(requests))
	}
	got := requests[0]
	if got.title != "Chronicle - Quota Exceeded" {
		t.Fatalf("title = %q", got.title)
	}
	if got.priority != "high" {
		t.Fatalf("priority = %q, want high", got.priority)
	}
	if !strings.Contains(got.body, "daily-spend") || !strings.Contains(got.body, "12.0000") {
		t.Fatalf("body = %q", got.body)
	}
	if !strings.Contains(got.tags, "quota") {
		t.Fatalf("tags = %q", got.tags)
	}
}

func TestCategoryGateSuppressesSend(t *testing.T) {
	service, capture := newTestService(t, func(cfg *config.Config) {
		cfg.Alerts.Quota = false
	})
	if err := service.NotifyQuotaApproaching(context.Background(), "hourly-tokens", 85); err != nil {
		t.Fatalf("NotifyQuotaApproaching: %v", err)
	}
	if requests := capture.all(); len(requests) != 0 {
		t.Fatalf("requests = %d, want 0 with quota alerts disabled", len(requests))
	}
}

func TestCorruptionAlertCarriesReason(t *testing.T) {
	service, capture := newTestService(t, nil)
	if err := service.NotifyCorruptionDetected(context.Background(), "/tmp/session.wav", "file is empty"); err != nil {
		t.Fatalf("NotifyCorruptionDetected: %v", err)
	}
	requests := capture.all()
	if len(requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(requests))
	}
	if !strings.Contains(requests[0].body, "session.wav") || !strings.Contains(requests[0].body, "file is empty") {
		t.Fatalf("body = %q", requests[0].body)
	}
}

func TestOperationCompletedPriorityTracksOutcome(t *testing.T) {
	service, capture := newTestService(t, nil)
	if err := service.NotifyOperationCompleted(context.Background(), "op-1", true, 90*time.Second); err != nil {
		t.Fatalf("NotifyOperationCompleted: %v", err)
	}
	if err := service.NotifyOperationCompleted(context.Background(), "op-2", false, time.Second); err != nil {
		t.Fatalf("NotifyOperationCompleted: %v", err)
	}

	requests := capture.all()
	if len(requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(requests))
	}
	if requests[0].priority != "" {
		t.Fatalf("success priority = %q, want default", requests[0].priority)
	}
	if !strings.Contains(requests[0].body, "1m30s") {
		t.Fatalf("body = %q, want rounded elapsed", requests[0].body)
	}
	if requests[1].priority != "high" {
		t.Fatalf("failure priority = %q, want high", requests[1].priority)
	}
}

func TestRecoveryFailedAlert(t *testing.T) {
	service, capture := newTestService(t, nil)
	if err := service.NotifyRecoveryFailed(context.Background(), "op-9", "transcription", "exceeded 3 recovery attempts"); err != nil {
		t.Fatalf("NotifyRecoveryFailed: %v", err)
	}
	requests := capture.all()
	if len(requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(requests))
	}
	body := requests[0].body
	if !strings.Contains(body, "op-9") || !strings.Contains(body, "transcription") || !strings.Contains(body, "Manual review") {
		t.Fatalf("body = %q", body)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	service, capture := newTestService(t, nil)
	capture.mu.Lock()
	capture.status = http.StatusInternalServerError
	capture.mu.Unlock()

	err := service.TestNotification(context.Background())
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("err = %v, want 500 surfaced", err)
	}
}
