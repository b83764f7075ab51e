package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seis-sod/sod-stack/common/models"
)

// DeadLetter is an outcome that could not be persisted.
type DeadLetter struct {
	Timestamp time.Time              `json:"timestamp"`
	Sink      string                 `json:"sink"`
	Outcome   models.PipelineOutcome `json:"outcome"`
	Error     string                 `json:"error"`
	Attempts  int                    `json:"attempts"`
}

// DeadLetterDir writes undeliverable outcomes as JSON files for later replay.
type DeadLetterDir struct {
	basePath string
	mu       sync.Mutex
	written  uint64
}

// NewDeadLetterDir creates the directory if needed.
func NewDeadLetterDir(basePath string) (*DeadLetterDir, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create dead letter directory: %w", err)
	}
	return &DeadLetterDir{basePath: basePath}, nil
}

// Write stores one dead letter.
func (d *DeadLetterDir) Write(letter DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := json.MarshalIndent(letter, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	name := fmt.Sprintf("outcome_%d_%d_%s.json", letter.Timestamp.Unix(), d.written, letter.Outcome.Request.ID)
	if err := os.WriteFile(filepath.Join(d.basePath, name), data, 0o644); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	d.written++
	return nil
}

// List reads back up to limit dead letters; limit <= 0 reads all.
func (d *DeadLetterDir) List(limit int) ([]DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(d.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dead letter directory: %w", err)
	}
	var letters []DeadLetter
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if limit > 0 && len(letters) >= limit {
			break
		}
		data, err := os.ReadFile(filepath.Join(d.basePath, e.Name()))
		if err != nil {
			return nil, err
		}
		var letter DeadLetter
		if err := json.Unmarshal(data, &letter); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		letters = append(letters, letter)
	}
	return letters, nil
}
