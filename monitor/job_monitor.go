// Package monitor reconciles durable job records against reality: training
// rows orphaned by a crashed process would otherwise stay "training" forever.
package monitor

import (
	"sync"
	"time"

	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/repository"
)

// JobMonitor periodically sweeps for stale running job records and marks them
// failed. The orchestrator updates records every epoch, so a record that has
// not moved within the threshold belongs to a dead run.
type JobMonitor struct {
	repo       *repository.Repository
	interval   time.Duration
	staleAfter time.Duration
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewJobMonitor creates a monitor sweeping at the given interval. Records
// untouched for staleAfter are considered orphaned.
func NewJobMonitor(repo *repository.Repository, interval, staleAfter time.Duration) *JobMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &JobMonitor{
		repo:       repo,
		interval:   interval,
		staleAfter: staleAfter,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (m *JobMonitor) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
	logger.Infof("job monitor started, sweeping every %s", m.interval)
}

// Stop stops the monitor gracefully.
func (m *JobMonitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
	logger.Infof("job monitor stopped")
}

func (m *JobMonitor) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *JobMonitor) sweep() {
	stale, err := m.repo.ListStaleRunning(m.staleAfter)
	if err != nil {
		logger.Errorf("list stale jobs: %v", err)
		return
	}
	for _, record := range stale {
		logger.Warnf("job %s (owner %d, %s) stale since %s, marking failed",
			record.ID, record.OwnerID, record.ModelType, record.UpdatedAt.Format(time.RFC3339))
		if err := m.repo.MarkFailed(record.ID, "training run abandoned, no progress updates"); err != nil {
			logger.Errorf("mark job %s failed: %v", record.ID, err)
		}
	}
}
