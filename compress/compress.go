// Package compress shrinks trained models by pruning, knowledge distillation,
// structural low-rank factorization, and weight quantization. Every method
// works on an isolated clone; the input model is never mutated.
package compress

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/modelstore"
	"github.com/edulab-ai/model-service/nn"
)

// Kind names a compression method.
type Kind string

const (
	KindPruning      Kind = "pruning"
	KindDistillation Kind = "distillation"
	KindStructural   Kind = "structural"
	KindQuantization Kind = "quantization"
)

// ParseKind validates a compression-method string from an API request.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPruning, KindDistillation, KindStructural, KindQuantization:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unsupported compression method: %q", s)
	}
}

// PruneMethod selects how pruned weights are chosen.
type PruneMethod string

const (
	// PruneL1 removes the weights with the smallest absolute magnitude.
	PruneL1 PruneMethod = "l1_unstructured"
	// PruneRandom removes a uniformly random subset.
	PruneRandom PruneMethod = "random_unstructured"
)

// Report describes the outcome of one compression run. The meaning of
// CompressionRatio depends on the kind: the achieved sparsity fraction for
// pruning, the parameter-count ratio for distillation, the retained rank
// fraction for structural, and the byte-size ratio for quantization.
type Report struct {
	Kind             Kind      `json:"method"`
	OriginalParams   int       `json:"original_params"`
	CompressedParams int       `json:"compressed_params"`
	OriginalBytes    int       `json:"original_bytes"`
	CompressedBytes  int       `json:"compressed_bytes"`
	CompressionRatio float64   `json:"compression_ratio"`
	LossHistory      []float64 `json:"loss_history,omitempty"`
}

// Compressor applies compression methods and persists the results through the
// checkpoint store.
type Compressor struct {
	store *modelstore.Store
}

// NewCompressor creates a compressor saving into the given store.
func NewCompressor(store *modelstore.Store) *Compressor {
	return &Compressor{store: store}
}

// Prune zeroes the given fraction of each linear layer's weights on a clone
// of the model. The mask is baked into the weights; biases are untouched.
func (c *Compressor) Prune(model nn.Model, amount float64, method PruneMethod) (nn.Model, *Report, error) {
	if amount <= 0 || amount >= 1 {
		return nil, nil, fmt.Errorf("prune amount must be in (0, 1), got %v", amount)
	}
	if method == "" {
		method = PruneL1
	}

	pruned := model.Clone()
	rng := rand.New(rand.NewSource(model.Config().Seed))
	var zeroed, total int
	for _, layer := range pruned.Linears() {
		w := layer.Weight().Data
		total += len(w)
		switch method {
		case PruneL1:
			zeroed += pruneByMagnitude(w, amount)
		case PruneRandom:
			zeroed += pruneRandom(w, amount, rng)
		default:
			return nil, nil, fmt.Errorf("unsupported prune method: %q", method)
		}
	}

	sparsity := float64(zeroed) / float64(total)
	logger.Infof("pruned model (%s): %d/%d weights zeroed (%.1f%% sparsity)",
		method, zeroed, total, sparsity*100)

	// Zeroing keeps shapes and counts intact; the ratio reports sparsity.
	params := nn.NumParams(pruned)
	bytes := nn.SizeBytes(pruned)
	return pruned, &Report{
		Kind:             KindPruning,
		OriginalParams:   params,
		CompressedParams: params,
		OriginalBytes:    bytes,
		CompressedBytes:  bytes,
		CompressionRatio: sparsity,
	}, nil
}

// Structural replaces each linear layer's weight with a truncated low-rank
// reconstruction at the given rank ratio. Shapes are preserved, so compressed
// models remain drop-in replacements.
func (c *Compressor) Structural(model nn.Model, rankRatio float64) (nn.Model, *Report, error) {
	if rankRatio <= 0 || rankRatio > 1 {
		return nil, nil, fmt.Errorf("rank ratio must be in (0, 1], got %v", rankRatio)
	}

	compact := model.Clone()
	var factoredParams int
	for _, layer := range compact.Linears() {
		minDim := layer.In
		if layer.Out < minDim {
			minDim = layer.Out
		}
		k := int(math.Round(rankRatio * float64(minDim)))
		if k < 1 {
			k = 1
		}
		if k >= minDim {
			factoredParams += layer.In*layer.Out + layer.Out
			continue
		}
		w := layer.Weight().Data
		approx := lowRankApprox(w, layer.Out, layer.In, k)
		copy(w, approx)
		// Factored storage would hold U_k and (S_k V_k^T) plus the bias.
		factoredParams += k*(layer.In+layer.Out) + layer.Out
	}

	params := nn.NumParams(compact)
	logger.Infof("structural compression at rank ratio %.2f: %d params, %d in factored form",
		rankRatio, params, factoredParams)

	return compact, &Report{
		Kind:             KindStructural,
		OriginalParams:   params,
		CompressedParams: factoredParams,
		OriginalBytes:    nn.SizeBytes(compact),
		CompressedBytes:  factoredParams * 4,
		CompressionRatio: rankRatio,
	}, nil
}

// SaveCompressed persists a compressed model as a new checkpoint version
// tagged with the compression report.
func (c *Compressor) SaveCompressed(model nn.Model, report *Report, ownerID int64) (string, error) {
	info := modelstore.Info{
		"stage":             "compressed",
		"method":            string(report.Kind),
		"compression_ratio": report.CompressionRatio,
		"original_params":   report.OriginalParams,
		"compressed_params": report.CompressedParams,
	}
	return c.store.Save(model, info, ownerID, model.Family())
}

// pruneByMagnitude zeroes the amount fraction of w with the smallest absolute
// values and returns how many weights were newly zeroed.
func pruneByMagnitude(w []float32, amount float64) int {
	n := int(math.Round(amount * float64(len(w))))
	if n <= 0 {
		return 0
	}
	idx := make([]int, len(w))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return abs32(w[idx[a]]) < abs32(w[idx[b]])
	})
	var zeroed int
	for _, i := range idx[:n] {
		if w[i] != 0 {
			zeroed++
		}
		w[i] = 0
	}
	return zeroed
}

func pruneRandom(w []float32, amount float64, rng *rand.Rand) int {
	n := int(math.Round(amount * float64(len(w))))
	if n <= 0 {
		return 0
	}
	perm := rng.Perm(len(w))
	var zeroed int
	for _, i := range perm[:n] {
		if w[i] != 0 {
			zeroed++
		}
		w[i] = 0
	}
	return zeroed
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
