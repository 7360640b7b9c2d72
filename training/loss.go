package training

import (
	"math"

	"github.com/edulab-ai/model-service/nn"
)

// LossKind names the per-head loss function.
type LossKind int

const (
	// LossBCE is binary cross-entropy over sigmoid logits (multi-label heads).
	LossBCE LossKind = iota
	// LossCE is categorical cross-entropy over softmax logits against one-hot
	// targets (single-label heads).
	LossCE
	// LossKL is KL divergence of the log-softmax output against a target
	// distribution (distribution-matching heads).
	LossKL
)

// HeadLoss pairs a loss kind with its weight in the composite loss.
type HeadLoss struct {
	Kind   LossKind
	Weight float64
}

// FamilyLosses returns the composite-loss layout for a model family,
// mirroring the per-head weighting the analytics models are trained with.
func FamilyLosses(family nn.Family) map[string]HeadLoss {
	if family == nn.FamilyStudent {
		return map[string]HeadLoss{
			"weaknesses": {Kind: LossBCE, Weight: 0.4},
			"interests":  {Kind: LossBCE, Weight: 0.3},
			"path":       {Kind: LossCE, Weight: 0.3},
		}
	}
	return map[string]HeadLoss{
		"coverage": {Kind: LossKL, Weight: 0.5},
		"layers":   {Kind: LossCE, Weight: 0.5},
	}
}

const logEps = 1e-7

// CompositeLoss computes the weighted sum of per-head losses from raw logits
// and returns the gradient of the total loss with respect to each head's
// logits, ready for Model.Backward.
func CompositeLoss(logits, labels map[string][][]float32, spec map[string]HeadLoss) (float64, map[string][][]float32) {
	var total float64
	grads := make(map[string][][]float32, len(spec))
	for head, hl := range spec {
		z, ok := logits[head]
		if !ok {
			continue
		}
		y, ok := labels[head]
		if !ok {
			continue
		}
		var loss float64
		var grad [][]float32
		switch hl.Kind {
		case LossBCE:
			loss, grad = bceWithLogits(z, y)
		case LossCE:
			loss, grad = crossEntropy(z, y)
		case LossKL:
			loss, grad = klDivergence(z, y)
		}
		total += hl.Weight * loss
		scaleRows(grad, float32(hl.Weight))
		grads[head] = grad
	}
	return total, grads
}

// bceWithLogits averages binary cross-entropy over every element, the BCELoss
// mean reduction.
func bceWithLogits(logits, targets [][]float32) (float64, [][]float32) {
	var loss float64
	grad := make([][]float32, len(logits))
	norm := float64(len(logits) * len(logits[0]))
	for n, z := range logits {
		p := nn.Sigmoid(z)
		g := make([]float32, len(z))
		for i := range z {
			pi := clamp(float64(p[i]), logEps, 1-logEps)
			yi := float64(targets[n][i])
			loss += -(yi*math.Log(pi) + (1-yi)*math.Log(1-pi))
			g[i] = float32((float64(p[i]) - yi) / norm)
		}
		grad[n] = g
	}
	return loss / norm, grad
}

// crossEntropy computes softmax cross-entropy against one-hot rows with
// batch-mean reduction.
func crossEntropy(logits, targets [][]float32) (float64, [][]float32) {
	var loss float64
	grad := make([][]float32, len(logits))
	norm := float64(len(logits))
	for n, z := range logits {
		logp := nn.LogSoftmax(z)
		p := nn.Softmax(z)
		g := make([]float32, len(z))
		for i := range z {
			yi := float64(targets[n][i])
			loss += -yi * float64(logp[i])
			g[i] = float32((float64(p[i]) - yi) / norm)
		}
		grad[n] = g
	}
	return loss / norm, grad
}

// klDivergence computes KL(target ‖ softmax(logits)) with batch-mean
// reduction; targets are probability distributions.
func klDivergence(logits, targets [][]float32) (float64, [][]float32) {
	var loss float64
	grad := make([][]float32, len(logits))
	norm := float64(len(logits))
	for n, z := range logits {
		logp := nn.LogSoftmax(z)
		p := nn.Softmax(z)
		g := make([]float32, len(z))
		for i := range z {
			ti := float64(targets[n][i])
			if ti > 0 {
				loss += ti * (math.Log(clamp(ti, logEps, 1)) - float64(logp[i]))
			}
			g[i] = float32((float64(p[i]) - ti) / norm)
		}
		grad[n] = g
	}
	return loss / norm, grad
}

// SoftDistillationLoss is the temperature-scaled soft-target loss used by
// knowledge distillation: T² · KL(softmax(teacher/T) ‖ softmax(student/T)).
func SoftDistillationLoss(studentLogits, teacherLogits [][]float32, temperature float64) (float64, [][]float32) {
	t := float32(temperature)
	scaledStudent := make([][]float32, len(studentLogits))
	scaledTeacher := make([][]float32, len(teacherLogits))
	for n := range studentLogits {
		ss := make([]float32, len(studentLogits[n]))
		st := make([]float32, len(teacherLogits[n]))
		for i := range studentLogits[n] {
			ss[i] = studentLogits[n][i] / t
			st[i] = teacherLogits[n][i] / t
		}
		scaledStudent[n] = ss
		scaledTeacher[n] = nn.Softmax(st)
	}
	loss, grad := klDivergence(scaledStudent, scaledTeacher)
	// The chain rule through the 1/T scaling cancels one factor of T from the
	// T² weighting on the gradient side.
	scaleRows(grad, t)
	return temperature * temperature * loss, grad
}

func scaleRows(rows [][]float32, s float32) {
	for _, row := range rows {
		for i := range row {
			row[i] *= s
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
