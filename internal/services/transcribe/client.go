package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chronicle/internal/services"
)

const (
	defaultHTTPTimeout   = 120 * time.Second
	defaultRetryAttempts = 4
	defaultRetryBase     = 1 * time.Second
	defaultRetryMax      = 15 * time.Second
	defaultEndpoint      = "https://api.openai.com/v1/audio/transcriptions"
)

// Config captures the runtime settings required to talk to the backend.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	FallbackModel  string
	TimeoutSeconds int
}

// Transcript is the text produced for one audio input.
type Transcript struct {
	Text            string
	Language        string
	DurationSeconds float64
	Model           string
}

// Client wraps the transcription API.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryMaxAttempts int
	retryBase        time.Duration
	retryMax         time.Duration
	sleep            func(context.Context, time.Duration) error
}

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

// NewClient constructs a transcription client from configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			BaseURL:        strings.TrimSpace(cfg.BaseURL),
			APIKey:         strings.TrimSpace(cfg.APIKey),
			Model:          strings.TrimSpace(cfg.Model),
			FallbackModel:  strings.TrimSpace(cfg.FallbackModel),
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

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("transcription request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Transcribe uploads the audio file and returns its transcript. When
// useFallback is set the configured fallback model is used instead of the
// primary one.
func (c *Client) Transcribe(ctx context.Context, audioPath string, useFallback bool) (Transcript, error) {
	var empty Transcript
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return empty, services.Wrap(services.ErrValidation, "transcription", "transcribe", "api key required", nil)
	}
	model := c.cfg.Model
	if useFallback && c.cfg.FallbackModel != "" {
		model = c.cfg.FallbackModel
	}
	if model == "" {
		return empty, services.Wrap(services.ErrValidation, "transcription", "transcribe", "model required", nil)
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
		transcript, err := c.transcribeOnce(ctx, audioPath, model)
		if err == nil {
			transcript.Model = model
			return transcript, nil
		}
		lastErr = err

		delay, retry := retryDelay(ctx, err, bo)
		if !retry || attempt == c.retryMaxAttempts {
			break
		}
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return empty, sleepErr
		}
	}
	return empty, classifyFailure(lastErr)
}

func (c *Client) transcribeOnce(ctx context.Context, audioPath, model string) (Transcript, error) {
	var empty Transcript
	body, contentType, err := buildUploadBody(audioPath, model)
	if err != nil {
		return empty, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, body)
	if err != nil {
		return empty, fmt.Errorf("transcription request: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return empty, fmt.Errorf("transcription request: http error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, fmt.Errorf("transcription request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return empty, &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
			RetryAfter: retryAfter,
		}
	}

	var decoded struct {
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return empty, fmt.Errorf("transcription request: decode response: %w", err)
	}
	if strings.TrimSpace(decoded.Text) == "" {
		return empty, errors.New("transcription request: empty transcript")
	}
	return Transcript{
		Text:            decoded.Text,
		Language:        decoded.Language,
		DurationSeconds: decoded.Duration,
	}, nil
}

func buildUploadBody(audioPath, model string) (*bytes.Reader, string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("transcription request: open audio: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("transcription request: build form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("transcription request: copy audio: %w", err)
	}
	if err := writer.WriteField("model", model); err != nil {
		return nil, "", fmt.Errorf("transcription request: write model field: %w", err)
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return nil, "", fmt.Errorf("transcription request: write format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("transcription request: finalize form: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), writer.FormDataContentType(), nil
}

func retryDelay(ctx context.Context, err error, bo *backoff.ExponentialBackOff) (time.Duration, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	if errors.Is(err, fs.ErrNotExist) {
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

	// Transport-level failures (refused connections, resets) are retryable.
	var urlLike interface{ Timeout() bool }
	if errors.As(err, &urlLike) {
		return bo.NextBackOff(), true
	}
	return 0, false
}

func classifyFailure(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "transcription", "transcribe", "request timed out", err)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return services.Wrap(services.ErrNotFound, "transcription", "transcribe", "audio file missing", err)
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			return services.Wrap(services.ErrTransient, "transcription", "transcribe", "backend unavailable", err)
		default:
			return services.Wrap(services.ErrBackend, "transcription", "transcribe", "request rejected", err)
		}
	}

	var urlLike interface{ Timeout() bool }
	if errors.As(err, &urlLike) {
		if urlLike.Timeout() {
			return services.Wrap(services.ErrTimeout, "transcription", "transcribe", "request timed out", err)
		}
		return services.Wrap(services.ErrTransient, "transcription", "transcribe", "network failure", err)
	}
	return services.Wrap(services.ErrBackend, "transcription", "transcribe", "transcription failed", err)
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
