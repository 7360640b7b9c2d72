package compress

import (
	"fmt"
	"math/rand"

	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/nn"
	"github.com/edulab-ai/model-service/training"
)

// DistillConfig configures knowledge distillation into a compact model.
type DistillConfig struct {
	// Alpha weights the hard-target task loss; 1-Alpha weights the soft
	// teacher-matching loss.
	Alpha float64 `json:"alpha"`
	// Temperature softens both logit distributions before the KL term.
	Temperature float64 `json:"temperature"`
	// HiddenSize of the compact model. Defaults to half the source model's.
	HiddenSize int     `json:"hidden_size"`
	Epochs     int     `json:"epochs"`
	LR         float64 `json:"lr"`
	BatchSize  int     `json:"batch_size"`
}

func (c *DistillConfig) withDefaults(source nn.Model) {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.5
	}
	if c.Temperature <= 0 {
		c.Temperature = 2.0
	}
	if c.HiddenSize <= 0 {
		c.HiddenSize = source.Config().HiddenSize / 2
		if c.HiddenSize < 8 {
			c.HiddenSize = 8
		}
	}
	if c.Epochs <= 0 {
		c.Epochs = 10
	}
	if c.LR <= 0 {
		c.LR = 1e-3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
}

// Distill trains a compact model of the same family to match the source
// model's soft predictions while still fitting the hard targets, using the
// combined loss alpha*task + (1-alpha)*T²*KL per head.
func (c *Compressor) Distill(source nn.Model, ds *training.Dataset, cfg DistillConfig) (nn.Model, *Report, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, nil, fmt.Errorf("distillation requires a non-empty dataset")
	}
	cfg.withDefaults(source)
	if cfg.HiddenSize >= source.Config().HiddenSize {
		return nil, nil, fmt.Errorf("compact hidden size %d must be smaller than source %d",
			cfg.HiddenSize, source.Config().HiddenSize)
	}

	compactCfg := source.Config()
	compactCfg.HiddenSize = cfg.HiddenSize
	compact, err := nn.New(source.Family(), compactCfg)
	if err != nil {
		return nil, nil, err
	}

	opt := nn.NewAdam(compact.Parameters())
	rng := rand.New(rand.NewSource(compactCfg.Seed))
	losses := training.FamilyLosses(source.Family())
	heads := compact.Heads()

	history := make([]float64, 0, cfg.Epochs)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		var total float64
		batches := ds.Batches(cfg.BatchSize, true, rng)
		for _, b := range batches {
			sourceLogits := source.Forward(b.Features)
			logits := compact.Forward(b.Features)

			taskLoss, grads := training.CompositeLoss(logits, b.Labels, losses)

			var softLoss float64
			for _, head := range heads {
				hl, hg := training.SoftDistillationLoss(logits[head], sourceLogits[head], cfg.Temperature)
				softLoss += hl / float64(len(heads))
				soft := (1 - cfg.Alpha) / float64(len(heads))
				for n := range grads[head] {
					for i := range grads[head][n] {
						grads[head][n][i] = float32(cfg.Alpha)*grads[head][n][i] + float32(soft)*hg[n][i]
					}
				}
			}

			compact.Backward(grads)
			opt.Step(cfg.LR)
			total += cfg.Alpha*taskLoss + (1-cfg.Alpha)*softLoss
		}
		avg := total / float64(len(batches))
		history = append(history, avg)
		logger.Debugf("distillation epoch %d: loss=%.6f", epoch, avg)
	}

	sourceParams := nn.NumParams(source)
	compactParams := nn.NumParams(compact)
	logger.Infof("distilled %s model: %d -> %d params (ratio %.3f)",
		source.Family(), sourceParams, compactParams, float64(compactParams)/float64(sourceParams))

	return compact, &Report{
		Kind:             KindDistillation,
		OriginalParams:   sourceParams,
		CompressedParams: compactParams,
		OriginalBytes:    nn.SizeBytes(source),
		CompressedBytes:  nn.SizeBytes(compact),
		CompressionRatio: float64(compactParams) / float64(sourceParams),
		LossHistory:      history,
	}, nil
}
