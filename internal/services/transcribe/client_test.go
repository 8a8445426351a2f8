package transcribe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chronicle/internal/services"
)

func noSleep(context.Context, time.Duration) error { return nil }

func writeAudioFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.wav")
	if err := os.WriteFile(path, []byte("RIFF fake audio bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestTranscribeUploadsMultipartForm(t *testing.T) {
	audioPath := writeAudioFixture(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model field = %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("file field: %v", err)
		} else {
			_ = file.Close()
			if header.Filename != "session.wav" {
				t.Errorf("filename = %q", header.Filename)
			}
		}
		_, _ = w.Write([]byte(`{"text": "hello world", "language": "en", "duration": 4.2}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "k", Model: "whisper-1"}, WithSleeper(noSleep))
	transcript, err := client.Transcribe(context.Background(), audioPath, false)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if transcript.Text != "hello world" || transcript.Language != "en" || transcript.DurationSeconds != 4.2 {
		t.Fatalf("transcript = %+v", transcript)
	}
	if transcript.Model != "whisper-1" {
		t.Fatalf("model = %q", transcript.Model)
	}
}

func TestTranscribeUsesFallbackModel(t *testing.T) {
	audioPath := writeAudioFixture(t)

	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		gotModel = r.FormValue("model")
		_, _ = w.Write([]byte(`{"text": "fallback transcript"}`))
	}))
	defer server.Close()

	client := NewClient(
		Config{BaseURL: server.URL, APIKey: "k", Model: "whisper-large", FallbackModel: "whisper-tiny"},
		WithSleeper(noSleep),
	)
	transcript, err := client.Transcribe(context.Background(), audioPath, true)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if gotModel != "whisper-tiny" {
		t.Fatalf("model field = %q, want fallback", gotModel)
	}
	if transcript.Model != "whisper-tiny" {
		t.Fatalf("transcript model = %q", transcript.Model)
	}
}

func TestTranscribeRetriesServerErrors(t *testing.T) {
	audioPath := writeAudioFixture(t)

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"text": "eventually fine"}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "k", Model: "m"},
		WithSleeper(noSleep),
		WithRetry(4, time.Millisecond, time.Millisecond),
	)
	transcript, err := client.Transcribe(context.Background(), audioPath, false)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if transcript.Text != "eventually fine" {
		t.Fatalf("transcript = %+v", transcript)
	}
	if requests != 3 {
		t.Fatalf("requests = %d, want 3", requests)
	}
}

func TestTranscribeDoesNotRetryClientErrors(t *testing.T) {
	audioPath := writeAudioFixture(t)

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "bad", Model: "m"}, WithSleeper(noSleep))
	_, err := client.Transcribe(context.Background(), audioPath, false)
	if !errors.Is(err, services.ErrBackend) {
		t.Fatalf("err = %v, want ErrBackend", err)
	}
	if requests != 1 {
		t.Fatalf("requests = %d, want 1", requests)
	}
}

func TestTranscribeHonorsRetryAfter(t *testing.T) {
	audioPath := writeAudioFixture(t)

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"text": "after backoff"}`))
	}))
	defer server.Close()

	var waited []time.Duration
	client := NewClient(Config{BaseURL: server.URL, APIKey: "k", Model: "m"},
		WithSleeper(func(_ context.Context, d time.Duration) error {
			waited = append(waited, d)
			return nil
		}),
	)
	if _, err := client.Transcribe(context.Background(), audioPath, false); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(waited) != 1 || waited[0] != 2*time.Second {
		t.Fatalf("waited = %v, want [2s]", waited)
	}
}

func TestTranscribeMissingFile(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:0", APIKey: "k", Model: "m"}, WithSleeper(noSleep))
	_, err := client.Transcribe(context.Background(), "/nonexistent/audio.wav", false)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTranscribeRequiresCredentials(t *testing.T) {
	client := NewClient(Config{Model: "m"}, WithSleeper(noSleep))
	if _, err := client.Transcribe(context.Background(), "x.wav", false); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	client = NewClient(Config{APIKey: "k"}, WithSleeper(noSleep))
	if _, err := client.Transcribe(context.Background(), "x.wav", false); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
