package compress

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/nn"
	"github.com/edulab-ai/model-service/training"
)

// QuantMode selects the quantization strategy.
type QuantMode string

const (
	// QuantDynamic quantizes weights per tensor with no calibration data.
	QuantDynamic QuantMode = "dynamic"
	// QuantStatic additionally calibrates activation ranges on sample data.
	QuantStatic QuantMode = "static"
	// QuantQAT fine-tunes for a few epochs with fake-quantized weights before
	// the final quantization.
	QuantQAT QuantMode = "qat"
)

// ParseQuantMode validates a quantization-mode string from an API request.
func ParseQuantMode(s string) (QuantMode, error) {
	switch QuantMode(s) {
	case QuantDynamic, QuantStatic, QuantQAT:
		return QuantMode(s), nil
	default:
		return "", fmt.Errorf("unsupported quantization mode: %q", s)
	}
}

// QuantConfig configures a quantization run. Epochs, LR, and BatchSize apply
// to QAT fine-tuning only.
type QuantConfig struct {
	Mode      QuantMode `json:"mode"`
	Epochs    int       `json:"epochs"`
	LR        float64   `json:"lr"`
	BatchSize int       `json:"batch_size"`
}

func (c *QuantConfig) withDefaults() {
	if c.Mode == "" {
		c.Mode = QuantDynamic
	}
	if c.Epochs <= 0 {
		c.Epochs = 3
	}
	if c.LR <= 0 {
		c.LR = 1e-4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
}

// QuantReport describes a quantization outcome. CompressionRatio is the
// byte-size ratio of the int8 representation (int8 weights, float32 biases,
// one float32 scale per tensor) against the float32 original.
type QuantReport struct {
	Mode             QuantMode            `json:"mode"`
	OriginalBytes    int                  `json:"original_bytes"`
	QuantizedBytes   int                  `json:"quantized_bytes"`
	CompressionRatio float64              `json:"compression_ratio"`
	Scales           map[string]float32   `json:"scales"`
	ActivationRanges map[string][]float32 `json:"activation_ranges,omitempty"`
}

// Quantizer applies simulated int8 quantization. Quantized weights are stored
// dequantized so the model stays runnable by the same inference path; the
// report accounts for the true int8 footprint.
type Quantizer struct{}

// NewQuantizer creates a quantizer.
func NewQuantizer() *Quantizer {
	return &Quantizer{}
}

// Quantize returns a quantized clone of the model. Static and QAT modes
// require a calibration dataset; dynamic ignores it.
func (q *Quantizer) Quantize(model nn.Model, ds *training.Dataset, cfg QuantConfig) (nn.Model, *QuantReport, error) {
	cfg.withDefaults()
	if (cfg.Mode == QuantStatic || cfg.Mode == QuantQAT) && (ds == nil || ds.Len() == 0) {
		return nil, nil, fmt.Errorf("%s quantization requires calibration data", cfg.Mode)
	}

	quantized := model.Clone()

	report := &QuantReport{
		Mode:          cfg.Mode,
		OriginalBytes: nn.SizeBytes(model),
		Scales:        make(map[string]float32),
	}

	if cfg.Mode == QuantQAT {
		if err := q.fineTune(quantized, ds, cfg); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Mode == QuantStatic || cfg.Mode == QuantQAT {
		report.ActivationRanges = calibrate(quantized, ds)
	}

	var weightCount, biasCount, tensorCount int
	for _, layer := range quantized.Linears() {
		w := layer.Weight()
		report.Scales[w.Name] = fakeQuantize(w.Data)
		weightCount += len(w.Data)
		biasCount += len(layer.Bias().Data)
		tensorCount++
	}

	report.QuantizedBytes = weightCount + biasCount*4 + tensorCount*4
	report.CompressionRatio = float64(report.QuantizedBytes) / float64(report.OriginalBytes)
	logger.Infof("%s quantization: %d -> %d bytes (ratio %.3f)",
		cfg.Mode, report.OriginalBytes, report.QuantizedBytes, report.CompressionRatio)

	return quantized, report, nil
}

// fineTune runs a few training epochs with fake-quantized weights after every
// optimizer step, a straight-through approximation of quantization-aware
// training.
func (q *Quantizer) fineTune(model nn.Model, ds *training.Dataset, cfg QuantConfig) error {
	opt := nn.NewAdam(model.Parameters())
	rng := rand.New(rand.NewSource(model.Config().Seed))
	losses := training.FamilyLosses(model.Family())

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		var total float64
		batches := ds.Batches(cfg.BatchSize, true, rng)
		for _, b := range batches {
			logits := model.Forward(b.Features)
			loss, grads := training.CompositeLoss(logits, b.Labels, losses)
			model.Backward(grads)
			opt.Step(cfg.LR)
			for _, layer := range model.Linears() {
				fakeQuantize(layer.Weight().Data)
			}
			total += loss
		}
		logger.Debugf("qat epoch %d: loss=%.6f", epoch, total/float64(len(batches)))
	}
	return nil
}

// calibrate records per-head output ranges over the calibration set. These
// would parameterize activation quantization in an int8 inference runtime.
func calibrate(model nn.Model, ds *training.Dataset) map[string][]float32 {
	preds := model.Predict(ds.Features)
	ranges := make(map[string][]float32, len(preds))
	for head, rows := range preds {
		lo := float32(math.Inf(1))
		hi := float32(math.Inf(-1))
		for _, row := range rows {
			for _, v := range row {
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
		}
		ranges[head] = []float32{lo, hi}
	}
	return ranges
}

// fakeQuantize rounds a tensor to the symmetric int8 grid in place and
// returns the per-tensor scale.
func fakeQuantize(w []float32) float32 {
	var maxAbs float32
	for _, v := range w {
		if a := abs32(v); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return 0
	}
	scale := maxAbs / 127
	for i, v := range w {
		qv := float32(math.Round(float64(v / scale)))
		if qv > 127 {
			qv = 127
		}
		if qv < -127 {
			qv = -127
		}
		w[i] = qv * scale
	}
	return scale
}
