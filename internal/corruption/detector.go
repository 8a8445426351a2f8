package corruption

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Kind labels the coarse category of a detected problem.
type Kind string

const (
	KindNone       Kind = "none"
	KindMissing    Kind = "missing"
	KindEmpty      Kind = "empty"
	KindHeader     Kind = "header_mismatch"
	KindStructural Kind = "structural"
)

// Report is the detector's verdict for one file.
type Report struct {
	IsCorrupted bool
	Kind        Kind
	Confidence  float64
	Issues      []string
	Size        int64
	ContentHash string
}

// Detector performs pre-pipeline integrity checks.
type Detector struct{}

// NewDetector constructs a Detector.
func NewDetector() *Detector {
	return &Detector{}
}

type signature struct {
	offset int
	magic  []byte
}

// Known header magics per extension. Extensions absent from this table are
// treated as unstructured text and skip the header check.
var signatures = map[string][]signature{
	".wav":  {{offset: 0, magic: []byte("RIFF")}},
	".mp3":  {{offset: 0, magic: []byte("ID3")}, {offset: 0, magic: []byte{0xFF, 0xFB}}, {offset: 0, magic: []byte{0xFF, 0xF3}}, {offset: 0, magic: []byte{0xFF, 0xF2}}},
	".flac": {{offset: 0, magic: []byte("fLaC")}},
	".ogg":  {{offset: 0, magic: []byte("OggS")}},
	".m4a":  {{offset: 4, magic: []byte("ftyp")}},
	".mp4":  {{offset: 4, magic: []byte("ftyp")}},
}

var audioExtensions = map[string]struct{}{
	".wav": {}, ".mp3": {}, ".flac": {}, ".ogg": {}, ".m4a": {}, ".mp4": {},
}

// IsAudioPath reports whether the path's extension names a supported audio container.
func IsAudioPath(path string) bool {
	_, ok := audioExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Inspect runs the full check sequence for path. The checks run in order:
// existence, non-zero size, header magic against the extension, and for audio
// inputs a structural sanity pass. Structural checks that cannot run degrade
// confidence instead of failing.
func (d *Detector) Inspect(path string) (Report, error) {
	report := Report{Kind: KindNone, Confidence: 1.0}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			report.IsCorrupted = true
			report.Kind = KindMissing
			report.Issues = append(report.Issues, "file does not exist")
			return report, nil
		}
		return report, fmt.Errorf("stat input: %w", err)
	}
	if info.IsDir() {
		report.IsCorrupted = true
		report.Kind = KindMissing
		report.Issues = append(report.Issues, "path is a directory")
		return report, nil
	}
	report.Size = info.Size()

	if report.Size == 0 {
		report.IsCorrupted = true
		report.Kind = KindEmpty
		report.Issues = append(report.Issues, "file is empty")
		return report, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return report, fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	header := make([]byte, 64)
	n, err := io.ReadFull(file, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return report, fmt.Errorf("read header: %w", err)
	}
	header = header[:n]

	hash, err := hashFile(file, header)
	if err != nil {
		return report, err
	}
	report.ContentHash = hash

	ext := strings.ToLower(filepath.Ext(path))
	if sigs, ok := signatures[ext]; ok {
		if !matchesAny(header, sigs) {
			report.IsCorrupted = true
			report.Kind = KindHeader
			report.Issues = append(report.Issues, fmt.Sprintf("header does not match declared %s format", strings.TrimPrefix(ext, ".")))
			return report, nil
		}
	}

	if IsAudioPath(path) {
		d.checkStructure(ext, header, info.Size(), &report)
	}

	return report, nil
}

func (d *Detector) checkStructure(ext string, header []byte, size int64, report *Report) {
	meta, ok := parseAudioMetadata(ext, header, size)
	if !ok {
		// Unreadable metadata is suspicious but not conclusive.
		report.Confidence *= 0.7
		report.Issues = append(report.Issues, "cannot parse metadata")
		return
	}
	if meta.durationSeconds <= 0 || meta.bitrate <= 0 {
		report.IsCorrupted = true
		report.Kind = KindStructural
		report.Issues = append(report.Issues, "audio metadata reports zero duration or bitrate")
	}
}

type audioMetadata struct {
	durationSeconds float64
	bitrate         int64
}

// parseAudioMetadata extracts duration and bitrate from the formats chronicle
// can read without external tooling. Only WAV carries enough in its header;
// other containers report not-ok so the caller degrades confidence.
func parseAudioMetadata(ext string, header []byte, size int64) (audioMetadata, bool) {
	if ext != ".wav" {
		return audioMetadata{}, false
	}
	// RIFF....WAVEfmt  chunk: byte rate lives at offset 28.
	if len(header) < 36 || !bytes.Equal(header[8:12], []byte("WAVE")) {
		return audioMetadata{}, false
	}
	byteRate := int64(binary.LittleEndian.Uint32(header[28:32]))
	if byteRate <= 0 {
		return audioMetadata{durationSeconds: 0, bitrate: 0}, true
	}
	duration := float64(size-44) / float64(byteRate)
	return audioMetadata{durationSeconds: duration, bitrate: byteRate * 8}, true
}

func matchesAny(header []byte, sigs []signature) bool {
	for _, sig := range sigs {
		end := sig.offset + len(sig.magic)
		if len(header) >= end && bytes.Equal(header[sig.offset:end], sig.magic) {
			return true
		}
	}
	return false
}

func hashFile(file *os.File, header []byte) (string, error) {
	hasher := sha256.New()
	hasher.Write(header)
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash input: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
