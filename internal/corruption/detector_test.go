package corruption

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func wavBytes(byteRate uint32, payload int) []byte {
	header := make([]byte, 44)
	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(36+payload))
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1)
	binary.LittleEndian.PutUint16(header[22:], 1)
	binary.LittleEndian.PutUint32(header[24:], 16000)
	binary.LittleEndian.PutUint32(header[28:], byteRate)
	binary.LittleEndian.PutUint16(header[32:], 1)
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], uint32(payload))
	return append(header, bytes.Repeat([]byte{0x22}, payload)...)
}

func TestInspectMissingFile(t *testing.T) {
	detector := NewDetector()
	report, err := detector.Inspect(filepath.Join(t.TempDir(), "absent.wav"))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !report.IsCorrupted || report.Kind != KindMissing {
		t.Fatalf("report = %+v, want corrupted/missing", report)
	}
}

func TestInspectDirectory(t *testing.T) {
	detector := NewDetector()
	report, err := detector.Inspect(t.TempDir())
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !report.IsCorrupted || report.Kind != KindMissing {
		t.Fatalf("report = %+v, want corrupted/missing", report)
	}
}

func TestInspectEmptyFile(t *testing.T) {
	detector := NewDetector()
	report, err := detector.Inspect(writeFile(t, "session.wav", nil))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !report.IsCorrupted || report.Kind != KindEmpty {
		t.Fatalf("report = %+v, want corrupted/empty", report)
	}
}

func TestInspectHeaderMismatch(t *testing.T) {
	detector := NewDetector()
	// Plain text masquerading as WAV.
	report, err := detector.Inspect(writeFile(t, "session.wav", []byte("this is not audio at all, just text padding to pass size checks")))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !report.IsCorrupted || report.Kind != KindHeader {
		t.Fatalf("report = %+v, want corrupted/header_mismatch", report)
	}
}

func TestInspectValidWAV(t *testing.T) {
	detector := NewDetector()
	report, err := detector.Inspect(writeFile(t, "session.wav", wavBytes(16000, 32000)))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if report.IsCorrupted {
		t.Fatalf("report = %+v, want clean", report)
	}
	if report.Confidence != 1 {
		t.Fatalf("confidence = %f, want 1", report.Confidence)
	}
	if report.ContentHash == "" {
		t.Fatal("content hash not computed")
	}
	if report.Size != 44+32000 {
		t.Fatalf("size = %d, want %d", report.Size, 44+32000)
	}
}

func TestInspectStructurallyBrokenWAV(t *testing.T) {
	detector := NewDetector()
	report, err := detector.Inspect(writeFile(t, "session.wav", wavBytes(0, 1000)))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !report.IsCorrupted || report.Kind != KindStructural {
		t.Fatalf("report = %+v, want corrupted/structural", report)
	}
}

func TestInspectTextSkipsHeaderCheck(t *testing.T) {
	detector := NewDetector()
	report, err := detector.Inspect(writeFile(t, "session.txt", []byte("Alice: we ride at dawn.")))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if report.IsCorrupted {
		t.Fatalf("report = %+v, want clean text", report)
	}
}

func TestInspectUnparseableAudioDegradesConfidence(t *testing.T) {
	detector := NewDetector()
	// Valid MP3 magic, but no metadata chronicle can read.
	data := append([]byte("ID3"), bytes.Repeat([]byte{0x0}, 500)...)
	report, err := detector.Inspect(writeFile(t, "session.mp3", data))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if report.IsCorrupted {
		t.Fatalf("report = %+v, unreadable metadata must degrade, not fail", report)
	}
	if report.Confidence >= 1 {
		t.Fatalf("confidence = %f, want below 1", report.Confidence)
	}
}

func TestIsAudioPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"session.wav", true},
		{"session.WAV", true},
		{"session.mp3", true},
		{"session.flac", true},
		{"session.txt", false},
		{"session.md", false},
		{"session", false},
	}
	for _, tc := range tests {
		if got := IsAudioPath(tc.path); got != tc.want {
			t.Fatalf("IsAudioPath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
