package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chronicle/internal/segment"
	"chronicle/internal/services"
)

const (
	defaultHTTPTimeout   = 60 * time.Second
	defaultRetryAttempts = 5
	defaultRetryBase     = 1 * time.Second
	defaultRetryMax      = 10 * time.Second
	defaultEndpoint      = "https://openrouter.ai/api/v1/chat/completions"
)

// Config captures the runtime settings required to talk to the backend.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// Usage reports token consumption for one completed generation call.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// UsageReporter receives usage after every successful generation, so the
// caller can meter cost.
type UsageReporter func(Usage)

// Client wraps the chat completion API and satisfies segment.Backend.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryMaxAttempts int
	retryBase        time.Duration
	retryMax         time.Duration
	sleep            func(context.Context, time.Duration) error
	reportUsage      UsageReporter
}

var _ segment.Backend = (*Client)(nil)

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetry overrides the retry policy.
func WithRetry(attempts int, base, max time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.retryMaxAttempts = attempts
		}
		if base > 0 {
			c.retryBase = base
		}
		if max > 0 {
			c.retryMax = max
		}
	}
}

// WithSleeper overrides how retry waits are performed (useful for tests).
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithUsageReporter installs a callback invoked with token usage after each
// successful generation.
func WithUsageReporter(reporter UsageReporter) Option {
	return func(c *Client) {
		c.reportUsage = reporter
	}
}

// NewClient constructs a narrative client from configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimSpace(cfg.BaseURL),
			Model:          strings.TrimSpace(cfg.Model),
			Referer:        strings.TrimSpace(cfg.Referer),
			Title:          strings.TrimSpace(cfg.Title),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: defaultRetryAttempts,
		retryBase:        defaultRetryBase,
		retryMax:         defaultRetryMax,
		sleep:            sleepContext,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.BaseURL == "" {
		client.cfg.BaseURL = defaultEndpoint
	}
	return client
}

// Generate produces the narrative for one text slice. The generation
// context drives the prompt: per-segment calls carry the running roster and
// recent summaries, the synthesis call carries the full roster and asks for
// one continuous narrative.
func (c *Client) Generate(ctx context.Context, text string, genCtx segment.GenerationContext) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", services.Wrap(services.ErrValidation, "narrative", "generate", "api key required", nil)
	}
	if strings.TrimSpace(text) == "" {
		return "", services.Wrap(services.ErrValidation, "narrative", "generate", "text required", nil)
	}

	payload := chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: buildSystemPrompt(genCtx)},
			{Role: "user", Content: text},
		},
		Temperature: 0.7,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = c.retryMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.retryMaxAttempts; attempt++ {
		content, usage, err := c.sendOnce(ctx, payload)
		if err == nil {
			if c.reportUsage != nil {
				usage.Model = c.cfg.Model
				c.reportUsage(usage)
			}
			return content, nil
		}
		lastErr = err

		delay, retry := retryDelay(ctx, err, bo)
		if !retry || attempt == c.retryMaxAttempts {
			break
		}
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return "", sleepErr
		}
	}
	return "", classifyFailure(lastErr)
}

func buildSystemPrompt(genCtx segment.GenerationContext) string {
	var b strings.Builder
	if genCtx.Synthesis {
		b.WriteString("You are a narrative editor. The user provides narrative sections separated by \"---\". ")
		b.WriteString("Merge them into one continuous narrative with consistent voice and chronology. ")
		b.WriteString("Do not produce disjoint parts, section labels, or separators.")
	} else {
		b.WriteString("You are a narrative writer. Turn the provided transcript excerpt into flowing prose, ")
		b.WriteString("preserving events, speakers, and tone.")
		if genCtx.SegmentTotal > 1 {
			fmt.Fprintf(&b, " This is part %d of %d; write it so it continues seamlessly from earlier parts.",
				genCtx.SegmentIndex+1, genCtx.SegmentTotal)
		}
	}
	if len(genCtx.Characters) > 0 {
		fmt.Fprintf(&b, "\nKnown characters: %s.", strings.Join(genCtx.Characters, ", "))
	}
	if len(genCtx.Locations) > 0 {
		fmt.Fprintf(&b, "\nKnown locations: %s.", strings.Join(genCtx.Locations, ", "))
	}
	if len(genCtx.PriorSummaries) > 0 {
		b.WriteString("\nWhat happened so far:")
		for _, summary := range genCtx.PriorSummaries {
			b.WriteString("\n- ")
			b.WriteString(summary)
		}
	}
	return b.String()
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		// Some providers return the streaming schema even when stream=false.
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("narrative request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func (c *Client) sendOnce(ctx context.Context, payload chatCompletionRequest) (string, Usage, error) {
	var usage Usage
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", usage, fmt.Errorf("narrative request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return "", usage, fmt.Errorf("narrative request: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
		req.Header.Set("Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", usage, fmt.Errorf("narrative request: http error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", usage, fmt.Errorf("narrative request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return "", usage, &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", usage, fmt.Errorf("narrative request: decode response: %w", err)
	}
	if completion.Error != nil {
		return "", usage, fmt.Errorf("narrative request: api error: %s", strings.TrimSpace(completion.Error.Message))
	}

	content := extractContent(completion)
	if content == "" {
		return "", usage, errors.New("narrative request: empty content")
	}
	usage.PromptTokens = completion.Usage.PromptTokens
	usage.CompletionTokens = completion.Usage.CompletionTokens
	return content, usage, nil
}

func extractContent(completion chatCompletionResponse) string {
	for _, choice := range completion.Choices {
		for _, candidate := range []string{choice.Message.Content, choice.Delta.Content, choice.Text} {
			if trimmed := strings.TrimSpace(candidate); trimmed != "" {
				return stripCodeFenceBlock(trimmed)
			}
		}
	}
	return ""
}

// stripCodeFenceBlock unwraps content some providers return inside a
// markdown fence.
func stripCodeFenceBlock(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := trimmed[3:]
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		body = body[idx+1:]
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

func retryDelay(ctx context.Context, err error, bo *backoff.ExponentialBackOff) (time.Duration, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			if statusErr.RetryAfter > 0 {
				return statusErr.RetryAfter, true
			}
			return bo.NextBackOff(), true
		default:
			return 0, false
		}
	}

	var netLike interface{ Timeout() bool }
	if errors.As(err, &netLike) {
		return bo.NextBackOff(), true
	}
	return 0, false
}

func classifyFailure(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "narrative", "generate", "request timed out", err)
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			return services.Wrap(services.ErrTransient, "narrative", "generate", "backend unavailable", err)
		default:
			return services.Wrap(services.ErrBackend, "narrative", "generate", "request rejected", err)
		}
	}

	var netLike interface{ Timeout() bool }
	if errors.As(err, &netLike) {
		if netLike.Timeout() {
			return services.Wrap(services.ErrTimeout, "narrative", "generate", "request timed out", err)
		}
		return services.Wrap(services.ErrTransient, "narrative", "generate", "network failure", err)
	}
	return services.Wrap(services.ErrBackend, "narrative", "generate", "generation failed", err)
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
