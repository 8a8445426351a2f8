package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chronicle/internal/segment"
	"chronicle/internal/services"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestGenerateReturnsContentAndUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "The party set out at dawn."}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 45}
		}`))
	}))
	defer server.Close()

	var reported Usage
	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Model: "test-model"},
		WithSleeper(noSleep),
		WithUsageReporter(func(usage Usage) { reported = usage }),
	)

	narrativeText, err := client.Generate(context.Background(), "transcript text", segment.GenerationContext{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if narrativeText != "The party set out at dawn." {
		t.Fatalf("narrative = %q", narrativeText)
	}
	if reported.PromptTokens != 120 || reported.CompletionTokens != 45 || reported.Model != "test-model" {
		t.Fatalf("usage = %+v", reported)
	}
}

func TestGenerateRetriesOnRateLimit(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "recovered"}}]}`))
	}))
	defer server.Close()

	var waited []time.Duration
	client := NewClient(Config{APIKey: "k", BaseURL: server.URL, Model: "m"},
		WithSleeper(func(_ context.Context, d time.Duration) error {
			waited = append(waited, d)
			return nil
		}),
	)

	got, err := client.Generate(context.Background(), "text", segment.GenerationContext{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "recovered" {
		t.Fatalf("narrative = %q", got)
	}
	if requests != 2 {
		t.Fatalf("requests = %d, want 2", requests)
	}
	if len(waited) != 1 || waited[0] != 3*time.Second {
		t.Fatalf("waited = %v, want [3s] from Retry-After", waited)
	}
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad model"}}`))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "k", BaseURL: server.URL, Model: "m"}, WithSleeper(noSleep))
	_, err := client.Generate(context.Background(), "text", segment.GenerationContext{})
	if !errors.Is(err, services.ErrBackend) {
		t.Fatalf("err = %v, want ErrBackend", err)
	}
	if requests != 1 {
		t.Fatalf("requests = %d, want 1", requests)
	}
}

func TestGenerateExhaustsRetriesOnServerErrors(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "k", BaseURL: server.URL, Model: "m"},
		WithSleeper(noSleep),
		WithRetry(3, time.Millisecond, time.Millisecond),
	)
	_, err := client.Generate(context.Background(), "text", segment.GenerationContext{})
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	if requests != 3 {
		t.Fatalf("requests = %d, want 3", requests)
	}
}

func TestGenerateRequiresAPIKey(t *testing.T) {
	client := NewClient(Config{Model: "m"}, WithSleeper(noSleep))
	_, err := client.Generate(context.Background(), "text", segment.GenerationContext{})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestExtractContentHandlesProviderQuirks(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"message content", `{"choices":[{"message":{"content":"normal"}}]}`, "normal"},
		{"delta fallback", `{"choices":[{"delta":{"content":"streamed text"}}]}`, "streamed text"},
		{"legacy text field", `{"choices":[{"text":"completion style"}]}`, "completion style"},
		{"empty", `{"choices":[{"message":{"content":""}}]}`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var resp chatCompletionResponse
			if err := json.Unmarshal([]byte(tc.body), &resp); err != nil {
				t.Fatalf("unmarshal fixture: %v", err)
			}
			if got := extractContent(resp); got != tc.want {
				t.Fatalf("extractContent = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStripCodeFenceBlock(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"```\nfenced text\n```", "fenced text"},
		{"```markdown\nfenced prose\n```", "fenced prose"},
	}
	for _, tc := range tests {
		if got := stripCodeFenceBlock(tc.in); got != tc.want {
			t.Fatalf("stripCodeFenceBlock(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildSystemPromptSynthesis(t *testing.T) {
	prompt := buildSystemPrompt(segment.GenerationContext{
		Synthesis:  true,
		Characters: []string{"Alice", "Bob"},
		Locations:  []string{"Duskhaven"},
	})
	for _, want := range []string{"one continuous narrative", "Alice, Bob", "Duskhaven"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
