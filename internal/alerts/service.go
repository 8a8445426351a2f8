package alerts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chronicle/internal/config"
)

const userAgent = "Chronicle-Go/0.1.0"

// Service defines the alert surface exposed to pipeline components.
type Service interface {
	NotifyQuotaExceeded(ctx context.Context, quotaName, detail string) error
	NotifyQuotaApproaching(ctx context.Context, quotaName string, percent float64) error
	NotifyCorruptionDetected(ctx context.Context, inputRef, reason string) error
	NotifyRecoveryFailed(ctx context.Context, operationID, stage, reason string) error
	NotifyOperationCompleted(ctx context.Context, operationID string, success bool, elapsed time.Duration) error
	TestNotification(ctx context.Context) error
}

// NewService builds an alert service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Alerts.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Alerts.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:   topic,
		client:     &http.Client{Timeout: timeout},
		quota:      cfg.Alerts.Quota,
		corruption: cfg.Alerts.Corruption,
		recovery:   cfg.Alerts.Recovery,
		completion: cfg.Alerts.Completion,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client

	quota      bool
	corruption bool
	recovery   bool
	completion bool
}

func (n *ntfyService) NotifyQuotaExceeded(ctx context.Context, quotaName, detail string) error {
	if !n.quota {
		return nil
	}
	quotaName = strings.TrimSpace(quotaName)
	message := fmt.Sprintf("Quota %q exceeded", quotaName)
	if detail = strings.TrimSpace(detail); detail != "" {
		message = fmt.Sprintf("%s: %s", message, detail)
	}
	return n.send(ctx, payload{
		title:    "Chronicle - Quota Exceeded",
		message:  message,
		tags:     []string{"chronicle", "quota", "exceeded"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyQuotaApproaching(ctx context.Context, quotaName string, percent float64) error {
	if !n.quota {
		return nil
	}
	return n.send(ctx, payload{
		title:   "Chronicle - Quota Warning",
		message: fmt.Sprintf("Quota %q at %.0f%% of its window limit", strings.TrimSpace(quotaName), percent),
		tags:    []string{"chronicle", "quota", "warning"},
	})
}

func (n *ntfyService) NotifyCorruptionDetected(ctx context.Context, inputRef, reason string) error {
	if !n.corruption {
		return nil
	}
	inputRef = strings.TrimSpace(inputRef)
	reason = strings.TrimSpace(reason)
	message := fmt.Sprintf("Rejected corrupt input: %s", inputRef)
	if reason != "" {
		message = fmt.Sprintf("%s\nReason: %s", message, reason)
	}
	return n.send(ctx, payload{
		title:    "Chronicle - Corrupt Input",
		message:  message,
		tags:     []string{"chronicle", "corruption", "rejected"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyRecoveryFailed(ctx context.Context, operationID, stage, reason string) error {
	if !n.recovery {
		return nil
	}
	message := fmt.Sprintf("Operation %s failed at %s\nManual review required", strings.TrimSpace(operationID), strings.TrimSpace(stage))
	if reason = strings.TrimSpace(reason); reason != "" {
		message = fmt.Sprintf("%s\n%s", message, reason)
	}
	return n.send(ctx, payload{
		title:    "Chronicle - Recovery Failed",
		message:  message,
		tags:     []string{"chronicle", "recovery", "failed"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyOperationCompleted(ctx context.Context, operationID string, success bool, elapsed time.Duration) error {
	if !n.completion {
		return nil
	}
	elapsed = elapsed.Round(time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	var data payload
	if success {
		data = payload{
			title:   "Chronicle - Complete",
			message: fmt.Sprintf("Operation %s completed in %s", strings.TrimSpace(operationID), elapsed),
			tags:    []string{"chronicle", "operation", "completed"},
		}
	} else {
		data = payload{
			title:    "Chronicle - Failed",
			message:  fmt.Sprintf("Operation %s ended with errors after %s", strings.TrimSpace(operationID), elapsed),
			tags:     []string{"chronicle", "operation", "failed"},
			priority: "high",
		}
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "Chronicle - Test",
		message:  "Notification system test",
		tags:     []string{"chronicle", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyQuotaExceeded(context.Context, string, string) error         { return nil }
func (noopService) NotifyQuotaApproaching(context.Context, string, float64) error     { return nil }
func (noopService) NotifyCorruptionDetected(context.Context, string, string) error    { return nil }
func (noopService) NotifyRecoveryFailed(context.Context, string, string, string) error { return nil }
func (noopService) NotifyOperationCompleted(context.Context, string, bool, time.Duration) error {
	return nil
}
func (noopService) TestNotification(context.Context) error { return nil }
