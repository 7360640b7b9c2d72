package training

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/nn"
)

// rankResult is what one in-process worker reports after training its shard.
type rankResult struct {
	Rank    int     `json:"rank"`
	Samples int     `json:"samples"`
	Loss    float64 `json:"final_loss"`
	Metrics Metrics `json:"metrics,omitempty"`

	state []nn.WeightTensor
}

// runDistributed fans the dataset out to worldSize in-process workers over
// round-robin shards, trains a model clone per worker, then merges: worker
// parameters are element-wise averaged into the caller's model and losses and
// metrics are averaged across ranks.
func (m *Manager) runDistributed(model nn.Model, ds *Dataset, job *Job) error {
	worldSize := m.opts.WorldSize
	if worldSize > ds.Len() {
		worldSize = ds.Len()
	}
	logger.Infof("distributed %s_%d: %d samples across %d workers",
		model.Family(), job.OwnerID, ds.Len(), worldSize)

	results := make([]rankResult, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			shard := ds.Shard(rank, worldSize)
			worker := model.Clone()
			res, err := m.trainShard(worker, shard, rank, job)
			if err != nil {
				errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
				return
			}
			results[rank] = res
		}(rank)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	if err := averageStates(model, results); err != nil {
		return err
	}

	var totalLoss float64
	for _, res := range results {
		totalLoss += res.Loss
	}
	avgLoss := totalLoss / float64(worldSize)
	merged := mergeMetrics(results)

	metrics := m.evaluator.Evaluate(model, ds, job.OwnerID)
	if len(metrics) == 0 {
		metrics = merged
	}

	m.mu.Lock()
	job.LastLoss = avgLoss
	job.Metrics = metrics
	job.CurrentEpoch = m.opts.MaxEpochs - 1
	job.Progress = 100
	cp := *job
	m.mu.Unlock()
	m.publish(&cp)

	m.persistRankResults(results, job)
	return nil
}

// trainShard is the compact per-worker loop: same loss, optimizer, and
// scheduler as the single-process path, without checkpointing or early
// stopping. Each rank shuffles with its own seed.
func (m *Manager) trainShard(model nn.Model, shard *Dataset, rank int, job *Job) (rankResult, error) {
	if shard.Len() == 0 {
		return rankResult{Rank: rank}, nil
	}
	schedCfg := m.opts.SchedCfg
	if schedCfg.TotalEpochs == 0 {
		schedCfg.TotalEpochs = m.opts.MaxEpochs
	}
	if schedCfg.TMax == 0 {
		schedCfg.TMax = m.opts.MaxEpochs
	}
	sched, err := NewScheduler(m.opts.Scheduler, schedCfg)
	if err != nil {
		return rankResult{}, err
	}

	opt := nn.NewAdam(model.Parameters())
	rng := rand.New(rand.NewSource(m.opts.Seed + int64(rank)))
	losses := FamilyLosses(model.Family())

	var avgLoss float64
	for epoch := 0; epoch < m.opts.MaxEpochs; epoch++ {
		lr := sched.LR(epoch, m.opts.LearningRate)
		var total float64
		batches := shard.Batches(m.opts.BatchSize, m.opts.Shuffle, rng)
		for _, b := range batches {
			logits := model.Forward(b.Features)
			loss, grads := CompositeLoss(logits, b.Labels, losses)
			model.Backward(grads)
			opt.Step(lr)
			total += loss
		}
		avgLoss = total / float64(len(batches))
	}

	metrics := m.evaluatorMetrics(model, shard)
	return rankResult{
		Rank:    rank,
		Samples: shard.Len(),
		Loss:    avgLoss,
		Metrics: metrics,
		state:   model.StateDict(),
	}, nil
}

// evaluatorMetrics computes shard metrics without persisting a snapshot;
// only the merged run-level evaluation is written to disk.
func (m *Manager) evaluatorMetrics(model nn.Model, ds *Dataset) Metrics {
	preds := model.Predict(ds.Features)
	if model.Family() == nn.FamilyStudent {
		return studentMetrics(preds, ds.Labels)
	}
	return teacherMetrics(preds, ds.Labels)
}

// averageStates element-wise averages the worker weights into the target
// model. Empty shards contribute nothing.
func averageStates(model nn.Model, results []rankResult) error {
	var states [][]nn.WeightTensor
	for _, res := range results {
		if res.state != nil {
			states = append(states, res.state)
		}
	}
	if len(states) == 0 {
		return fmt.Errorf("no worker produced a trained state")
	}

	avg := states[0]
	for i := range avg {
		data := make([]float32, len(avg[i].Data))
		copy(data, avg[i].Data)
		avg[i].Data = data
	}
	for _, st := range states[1:] {
		for i := range avg {
			for j := range avg[i].Data {
				avg[i].Data[j] += st[i].Data[j]
			}
		}
	}
	inv := float32(1) / float32(len(states))
	for i := range avg {
		for j := range avg[i].Data {
			avg[i].Data[j] *= inv
		}
	}
	return model.LoadStateDict(avg)
}

// mergeMetrics averages each metric across the ranks that reported it.
func mergeMetrics(results []rankResult) Metrics {
	sums := Metrics{}
	counts := map[string]map[string]float64{}
	for _, res := range results {
		for head, vals := range res.Metrics {
			if sums[head] == nil {
				sums[head] = map[string]float64{}
				counts[head] = map[string]float64{}
			}
			for name, v := range vals {
				sums[head][name] += v
				counts[head][name]++
			}
		}
	}
	for head, vals := range sums {
		for name := range vals {
			sums[head][name] /= counts[head][name]
		}
	}
	return sums
}

func (m *Manager) persistRankResults(results []rankResult, job *Job) {
	if m.opts.LogDir == "" {
		return
	}
	dir := filepath.Join(m.opts.LogDir, "distributed", fmt.Sprintf("%s_%d", job.ModelType, job.OwnerID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warnf("create distributed log dir: %v", err)
		return
	}
	snapshot := struct {
		JobID     string       `json:"job_id"`
		WorldSize int          `json:"world_size"`
		Ranks     []rankResult `json:"ranks"`
		Timestamp time.Time    `json:"timestamp"`
	}{JobID: job.ID, WorldSize: len(results), Ranks: results, Timestamp: time.Now().UTC()}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		logger.Warnf("marshal distributed results: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "rank_results.json"), data, 0o644); err != nil {
		logger.Warnf("write distributed results: %v", err)
	}
}
