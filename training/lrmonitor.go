package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edulab-ai/model-service/nn"
)

// LRRecord is one epoch's learning-rate observation with the metrics that
// were current at the time.
type LRRecord struct {
	Epoch     int       `json:"epoch"`
	LR        float64   `json:"lr"`
	Metrics   Metrics   `json:"metrics,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LRMonitor records the learning-rate trajectory of one run and can report
// the rate that produced the best overall metric. One instance per run.
type LRMonitor struct {
	logDir  string
	history []LRRecord
}

// NewLRMonitor creates a monitor. An empty logDir disables persistence but
// keeps the in-memory history.
func NewLRMonitor(logDir string) *LRMonitor {
	return &LRMonitor{logDir: logDir}
}

// Step appends one epoch's observation.
func (m *LRMonitor) Step(epoch int, lr float64, metrics Metrics) {
	m.history = append(m.history, LRRecord{
		Epoch:     epoch,
		LR:        lr,
		Metrics:   metrics,
		Timestamp: time.Now().UTC(),
	})
}

// History returns the recorded trajectory.
func (m *LRMonitor) History() []LRRecord {
	return m.history
}

// BestLR returns the learning rate of the epoch with the highest value of the
// overall metric named by key, or fallback when no epoch carried it.
func (m *LRMonitor) BestLR(key string, fallback float64) float64 {
	best := fallback
	bestScore := -1.0
	for _, rec := range m.history {
		overall, ok := rec.Metrics["overall"]
		if !ok {
			continue
		}
		score, ok := overall[key]
		if !ok {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = rec.LR
		}
	}
	return best
}

// SaveHistory writes the trajectory as JSON under the log directory.
func (m *LRMonitor) SaveHistory(ownerID int64, family nn.Family) error {
	if m.logDir == "" || len(m.history) == 0 {
		return nil
	}
	dir := filepath.Join(m.logDir, fmt.Sprintf("%s_%d", family, ownerID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.history, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "lr_history.json"), data, 0o644)
}
