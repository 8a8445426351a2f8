package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"chronicle/internal/services"
)

func TestConsoleHandlerFormatsLine(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Format: "console", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger = WithComponent(logger, "pipeline")
	logger.Info("operation succeeded", String(FieldOperationID, "op-1"), Int("segments", 3))

	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, "INFO pipeline: operation succeeded") {
		t.Fatalf("line = %q", line)
	}
	if !strings.Contains(line, "operation_id=op-1") || !strings.Contains(line, "segments=3") {
		t.Fatalf("line = %q", line)
	}
}

func TestConsoleHandlerQuotesValuesWithSpaces(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Format: "console", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Error("stage failed", Error(errors.New("connection reset by peer")))
	if !strings.Contains(buf.String(), `error="connection reset by peer"`) {
		t.Fatalf("line = %q", buf.String())
	}
}

func TestJSONHandlerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Warn("quota approaching", Float64("percent", 85))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if record["msg"] != "quota approaching" {
		t.Fatalf("msg = %v", record["msg"])
	}
	if record["level"] != "warn" {
		t.Fatalf("level = %v", record["level"])
	}
	if _, ok := record["ts"]; !ok {
		t.Fatalf("record = %v, want ts key", record)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "warn", Format: "console", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("visible")
	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Fatalf("info leaked through warn level: %q", output)
	}
	if !strings.Contains(output, "visible") {
		t.Fatalf("warn missing: %q", output)
	}
}

func TestUnsupportedFormatRejected(t *testing.T) {
	if _, err := New(Options{Format: "yaml"}); err == nil {
		t.Fatal("New accepted unsupported format")
	}
}

func TestWithContextCarriesStandardFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Format: "console", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := services.WithOperationID(context.Background(), "op-7")
	ctx = services.WithStage(ctx, "narrative")
	ctx = services.WithRequestID(ctx, "req-1")
	ctx = services.WithUserID(ctx, "dm")
	WithContext(ctx, logger).Info("stage started")

	line := buf.String()
	for _, want := range []string{"operation_id=op-7", "stage=narrative", "request_id=req-1", "user_id=dm"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line = %q, want %s", line, want)
		}
	}
}

func TestWithContextWithoutAnnotationsReturnsSameLogger(t *testing.T) {
	logger := NewNop()
	if got := WithContext(context.Background(), logger); got != logger {
		t.Fatal("bare context must not wrap the logger")
	}
}
