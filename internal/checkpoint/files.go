package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Digest computes the integrity digest stored alongside checkpoint payloads.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (m *Manager) operationDir(operationID string) string {
	return filepath.Join(m.dir, operationID)
}

func (m *Manager) checkpointPath(operationID, stage string) string {
	return filepath.Join(m.operationDir(operationID), sanitizeStage(stage)+".json")
}

func sanitizeStage(stage string) string {
	stage = strings.TrimSpace(strings.ToLower(stage))
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return replacer.Replace(stage)
}

// writeCheckpointFile persists a checkpoint atomically: write to a temp file
// in the same directory, then rename over the target.
func (m *Manager) writeCheckpointFile(cp Checkpoint) error {
	dir := m.operationDir(cp.OperationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	encoded, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	target := m.checkpointPath(cp.OperationID, cp.Stage)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("finalize checkpoint: %w", err)
	}
	return nil
}

func (m *Manager) readCheckpointFile(path string) (Checkpoint, error) {
	var cp Checkpoint
	data, err := os.ReadFile(path)
	if err != nil {
		return cp, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Checkpoints returns every checkpoint recorded for an operation, oldest first.
func (m *Manager) Checkpoints(operationID string) ([]Checkpoint, error) {
	dir := m.operationDir(operationID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var checkpoints []Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		cp, err := m.readCheckpointFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.Before(checkpoints[j].CreatedAt)
	})
	return checkpoints, nil
}

// LastCheckpoint returns the most recent checkpoint, or nil when none exist.
func (m *Manager) LastCheckpoint(operationID string) (*Checkpoint, error) {
	checkpoints, err := m.Checkpoints(operationID)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, nil
	}
	last := checkpoints[len(checkpoints)-1]
	return &last, nil
}

// purgeCheckpoints removes all checkpoint files for an operation.
func (m *Manager) purgeCheckpoints(operationID string) error {
	if err := os.RemoveAll(m.operationDir(operationID)); err != nil {
		return fmt.Errorf("purge checkpoints: %w", err)
	}
	return nil
}
