// Package training orchestrates the model-training lifecycle: dataset
// assembly, the epoch loop with schedulers and early stopping, checkpointing
// on improvement, and job status tracking.
package training

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/modelstore"
	"github.com/edulab-ai/model-service/nn"
)

// Options are the per-manager training defaults. Zero values fall back to the
// documented defaults at construction time.
type Options struct {
	MaxEpochs    int
	BatchSize    int
	LearningRate float64
	EvalInterval int
	Patience     int
	MinDelta     float64
	LossBaseline *float64
	Scheduler    SchedulerType
	SchedCfg     SchedulerConfig
	Shuffle      bool
	Seed         int64
	Subjects     []string
	ModelConfig  nn.ModelConfig
	LogDir       string
	WorldSize    int
}

func (o *Options) withDefaults() {
	if o.MaxEpochs <= 0 {
		o.MaxEpochs = 50
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 1e-3
	}
	if o.EvalInterval <= 0 {
		o.EvalInterval = 5
	}
	if o.Patience <= 0 {
		o.Patience = 5
	}
	if o.Scheduler == "" {
		o.Scheduler = SchedulerCosine
	}
	if o.Seed == 0 {
		o.Seed = 42
	}
	if o.WorldSize <= 0 {
		o.WorldSize = 2
	}
	if o.ModelConfig.HiddenSize == 0 {
		o.ModelConfig = nn.DefaultModelConfig()
	}
}

type jobKey struct {
	family nn.Family
	owner  int64
}

// Manager runs training jobs and tracks their status in memory. At most one
// job per (family, owner) key runs at a time; a second request for the same
// key fails with ErrJobActive.
type Manager struct {
	opts      Options
	store     *modelstore.Store
	embedder  Embedder
	evaluator *Evaluator

	sink     MetricsSink
	cache    StatusCache
	recorder JobRecorder

	mu     sync.Mutex
	jobs   map[jobKey]*Job
	active map[jobKey]bool
}

// NewManager creates a training manager over the given checkpoint store and
// embedder.
func NewManager(opts Options, store *modelstore.Store, embedder Embedder, evaluator *Evaluator) *Manager {
	opts.withDefaults()
	return &Manager{
		opts:      opts,
		store:     store,
		embedder:  embedder,
		evaluator: evaluator,
		jobs:      make(map[jobKey]*Job),
		active:    make(map[jobKey]bool),
	}
}

// WithMetricsSink attaches the telemetry sink.
func (m *Manager) WithMetricsSink(s MetricsSink) *Manager { m.sink = s; return m }

// WithStatusCache attaches the cache invalidator.
func (m *Manager) WithStatusCache(c StatusCache) *Manager { m.cache = c; return m }

// WithJobRecorder attaches the durable job write-through.
func (m *Manager) WithJobRecorder(r JobRecorder) *Manager { m.recorder = r; return m }

// Store exposes the checkpoint store the manager saves into.
func (m *Manager) Store() *modelstore.Store { return m.store }

// ModelConfig returns the model configuration jobs are trained with.
func (m *Manager) ModelConfig() nn.ModelConfig { return m.opts.ModelConfig }

// TrainStudent trains a student-family model on the raw payload and blocks
// until the run completes or fails.
func (m *Manager) TrainStudent(ctx context.Context, ownerID int64, data *StudentTrainingData) (*Result, error) {
	return m.train(ctx, nn.FamilyStudent, ownerID, false, func(ctx context.Context) (*Dataset, error) {
		return BuildStudentDataset(ctx, data, m.opts.ModelConfig, m.embedder)
	})
}

// TrainTeacher trains a teacher-family model on the raw payload and blocks
// until the run completes or fails.
func (m *Manager) TrainTeacher(ctx context.Context, ownerID int64, data *TeacherTrainingData) (*Result, error) {
	return m.train(ctx, nn.FamilyTeacher, ownerID, false, func(ctx context.Context) (*Dataset, error) {
		return BuildTeacherDataset(ctx, data, m.opts.ModelConfig, m.embedder, m.opts.Subjects)
	})
}

// TrainStudentDistributed trains a student model across in-process workers
// over round-robin shards and merges the per-worker results.
func (m *Manager) TrainStudentDistributed(ctx context.Context, ownerID int64, data *StudentTrainingData) (*Result, error) {
	return m.train(ctx, nn.FamilyStudent, ownerID, true, func(ctx context.Context) (*Dataset, error) {
		return BuildStudentDataset(ctx, data, m.opts.ModelConfig, m.embedder)
	})
}

// TrainTeacherDistributed is the distributed counterpart of TrainTeacher.
func (m *Manager) TrainTeacherDistributed(ctx context.Context, ownerID int64, data *TeacherTrainingData) (*Result, error) {
	return m.train(ctx, nn.FamilyTeacher, ownerID, true, func(ctx context.Context) (*Dataset, error) {
		return BuildTeacherDataset(ctx, data, m.opts.ModelConfig, m.embedder, m.opts.Subjects)
	})
}

// Status returns the latest job for one (family, owner) key, or nil when the
// owner has never trained that family.
func (m *Manager) Status(ownerID int64, family nn.Family) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobKey{family: family, owner: ownerID}]
	if !ok {
		return nil
	}
	cp := *job
	return &cp
}

// StatusAny returns the most recently started job across families for an
// owner, or nil when none exists.
func (m *Manager) StatusAny(ownerID int64) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Job
	for _, family := range []nn.Family{nn.FamilyStudent, nn.FamilyTeacher} {
		if job, ok := m.jobs[jobKey{family: family, owner: ownerID}]; ok {
			if latest == nil || job.StartTime.After(latest.StartTime) {
				latest = job
			}
		}
	}
	if latest == nil {
		return nil
	}
	cp := *latest
	return &cp
}

func (m *Manager) train(ctx context.Context, family nn.Family, ownerID int64, distributed bool, build func(context.Context) (*Dataset, error)) (*Result, error) {
	key := jobKey{family: family, owner: ownerID}

	m.mu.Lock()
	if m.active[key] {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s_%d", ErrJobActive, family, ownerID)
	}
	job := &Job{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		ModelType:   family,
		Status:      JobTraining,
		StartTime:   time.Now().UTC(),
		Distributed: distributed,
	}
	if distributed {
		job.WorldSize = m.opts.WorldSize
	}
	m.jobs[key] = job
	m.active[key] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
	}()

	logger.Infof("starting %s training for owner %d (distributed=%v)", family, ownerID, distributed)

	ds, err := build(ctx)
	if err != nil {
		return nil, m.fail(job, err)
	}

	model, err := nn.New(family, m.opts.ModelConfig)
	if err != nil {
		return nil, m.fail(job, err)
	}

	if distributed {
		err = m.runDistributed(model, ds, job)
	} else {
		err = m.runEpochs(model, ds, job)
	}
	if err != nil {
		return nil, m.fail(job, err)
	}

	version, err := m.store.Save(model, m.finalInfo(job, ds.Len()), ownerID, family)
	if err != nil {
		return nil, m.fail(job, err)
	}

	m.mu.Lock()
	job.ModelVersion = version
	job.Status = JobCompleted
	job.Progress = 100
	now := time.Now().UTC()
	job.EndTime = &now
	cp := *job
	m.mu.Unlock()

	m.publish(&cp)
	if m.cache != nil {
		m.cache.InvalidateTrainingStatus(ownerID)
		m.cache.InvalidateModelInfo(ownerID, family)
	}

	logger.Infof("%s training for owner %d completed in %s (version %s)",
		family, ownerID, now.Sub(cp.StartTime).Round(time.Millisecond), version)

	return &Result{
		Status:       "success",
		ModelPath:    m.store.ModelPath(ownerID, family),
		TrainingInfo: &cp,
	}, nil
}

// runEpochs is the core loop: forward, composite loss, backward, Adam step at
// the scheduled rate, periodic evaluation, and early-stopping observation on
// the epoch-mean loss.
func (m *Manager) runEpochs(model nn.Model, ds *Dataset, job *Job) error {
	schedCfg := m.opts.SchedCfg
	if schedCfg.TotalEpochs == 0 {
		schedCfg.TotalEpochs = m.opts.MaxEpochs
	}
	if schedCfg.TMax == 0 {
		schedCfg.TMax = m.opts.MaxEpochs
	}
	sched, err := NewScheduler(m.opts.Scheduler, schedCfg)
	if err != nil {
		return err
	}

	stopping := NewEarlyStopping(StopConfig{
		Patience:    m.opts.Patience,
		MinDelta:    m.opts.MinDelta,
		Baseline:    m.opts.LossBaseline,
		RestoreBest: true,
		Mode:        StopModeMin,
	})
	opt := nn.NewAdam(model.Parameters())
	rng := rand.New(rand.NewSource(m.opts.Seed))
	losses := FamilyLosses(model.Family())
	lrMon := NewLRMonitor(m.opts.LogDir)

	var metrics Metrics
	for epoch := 0; epoch < m.opts.MaxEpochs; epoch++ {
		lr := sched.LR(epoch, m.opts.LearningRate)

		var total float64
		batches := ds.Batches(m.opts.BatchSize, m.opts.Shuffle, rng)
		for _, b := range batches {
			logits := model.Forward(b.Features)
			loss, grads := CompositeLoss(logits, b.Labels, losses)
			model.Backward(grads)
			opt.Step(lr)
			total += loss
		}
		avgLoss := total / float64(len(batches))

		if epoch%m.opts.EvalInterval == 0 || epoch == m.opts.MaxEpochs-1 {
			metrics = m.evaluator.Evaluate(model, ds, job.OwnerID)
		}
		lrMon.Step(epoch, lr, metrics)

		stop := stopping.Observe(epoch, avgLoss, model.StateDict(), metrics)
		if stopping.Improved() {
			if _, err := m.checkpoint(model, job, epoch, avgLoss, metrics); err != nil {
				logger.Errorf("checkpoint at epoch %d: %v", epoch, err)
			}
		}

		m.updateProgress(job, epoch, lr, avgLoss, metrics)

		if stop || stopping.ShouldStopOnBaseline(avgLoss) {
			break
		}
	}

	if best := stopping.BestState(); best != nil {
		if err := model.LoadStateDict(best); err != nil {
			return fmt.Errorf("restore best weights: %w", err)
		}
	}

	summary := stopping.Summary()
	m.mu.Lock()
	job.Summary = &summary
	m.mu.Unlock()

	if err := lrMon.SaveHistory(job.OwnerID, model.Family()); err != nil {
		logger.Warnf("save lr history for %s_%d: %v", model.Family(), job.OwnerID, err)
	}
	return nil
}

// checkpoint saves an improvement snapshot mid-run. The final save after the
// loop remains authoritative; these provide recoverable intermediates.
func (m *Manager) checkpoint(model nn.Model, job *Job, epoch int, loss float64, metrics Metrics) (string, error) {
	info := modelstore.Info{
		"epoch":   epoch,
		"loss":    loss,
		"metrics": metrics,
		"stage":   "best",
	}
	version, err := m.store.Save(model, info, job.OwnerID, model.Family())
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	job.ModelVersion = version
	m.mu.Unlock()
	if m.cache != nil {
		m.cache.InvalidateModelInfo(job.OwnerID, model.Family())
	}
	return version, nil
}

func (m *Manager) updateProgress(job *Job, epoch int, lr, loss float64, metrics Metrics) {
	m.mu.Lock()
	job.CurrentEpoch = epoch
	job.LearningRate = lr
	job.LastLoss = loss
	if metrics != nil {
		job.Metrics = metrics
	}
	progress := float64(epoch+1) / float64(m.opts.MaxEpochs) * 100
	if progress > job.Progress {
		job.Progress = progress
	}
	cp := *job
	m.mu.Unlock()

	m.publish(&cp)
	if m.cache != nil {
		m.cache.InvalidateTrainingStatus(job.OwnerID)
	}
	logger.Debugf("%s_%d epoch %d: loss=%.6f lr=%.6g progress=%.1f%%",
		cp.ModelType, cp.OwnerID, epoch, loss, lr, cp.Progress)
}

func (m *Manager) fail(job *Job, err error) error {
	m.mu.Lock()
	job.Status = JobFailed
	job.Error = err.Error()
	now := time.Now().UTC()
	job.EndTime = &now
	cp := *job
	m.mu.Unlock()

	m.publish(&cp)
	if m.cache != nil {
		m.cache.InvalidateTrainingStatus(job.OwnerID)
	}
	logger.Errorf("%s training for owner %d failed: %v", job.ModelType, job.OwnerID, err)
	return err
}

func (m *Manager) publish(job *Job) {
	if m.sink != nil {
		m.sink.UpdateTraining(job.OwnerID, job.ModelType, job.statusCode(), job.Progress, job.LastLoss)
	}
	if m.recorder != nil {
		m.recorder.RecordJob(job)
	}
}

func (m *Manager) finalInfo(job *Job, samples int) modelstore.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := modelstore.Info{
		"job_id":     job.ID,
		"owner_id":   job.OwnerID,
		"model_type": string(job.ModelType),
		"samples":    samples,
		"last_loss":  job.LastLoss,
		"stage":      "final",
	}
	if job.Metrics != nil {
		info["metrics"] = job.Metrics
	}
	if job.Summary != nil {
		info["best_epoch"] = job.Summary.BestEpoch
		info["stopped_early"] = job.Summary.StoppedEarly
		if job.Summary.BestScore != nil {
			info["best_loss"] = *job.Summary.BestScore
		}
	}
	if job.Distributed {
		info["world_size"] = job.WorldSize
	}
	return info
}
