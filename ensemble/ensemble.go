// Package ensemble combines predictions from several models of one family by
// voting, averaging, weighted averaging, or stacking, and persists member
// weights alongside a manifest.
package ensemble

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/nn"
)

// Method names a prediction-combination strategy.
type Method string

const (
	// MethodVoting hard-votes per output: each member's thresholded or argmax
	// decision counts once, majority wins.
	MethodVoting Method = "voting"
	// MethodAveraging means the unweighted mean of member probabilities.
	MethodAveraging Method = "averaging"
	// MethodWeighted is the member-weighted mean of probabilities.
	MethodWeighted Method = "weighted"
	// MethodStacking would feed member outputs to a trained meta-model; with
	// no meta-model fitted it falls back to weighted averaging.
	MethodStacking Method = "stacking"
)

// ParseMethod validates an ensemble-method string from an API request.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodVoting, MethodAveraging, MethodWeighted, MethodStacking:
		return Method(s), nil
	default:
		return "", fmt.Errorf("unsupported ensemble method: %q", s)
	}
}

// ErrEmptyEnsemble is returned when prediction is requested with no members.
var ErrEmptyEnsemble = errors.New("ensemble has no members")

type member struct {
	model  nn.Model
	weight float64
}

// Ensemble holds a set of same-family models with normalized weights.
// Methods are safe for concurrent use.
type Ensemble struct {
	family nn.Family

	mu      sync.RWMutex
	members []member
}

// New creates an empty ensemble for one model family.
func New(family nn.Family) *Ensemble {
	return &Ensemble{family: family}
}

// Family returns the family the ensemble accepts.
func (e *Ensemble) Family() nn.Family { return e.family }

// Len returns the member count.
func (e *Ensemble) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.members)
}

// Weights returns the normalized member weights in insertion order.
func (e *Ensemble) Weights() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]float64, len(e.members))
	for i, m := range e.members {
		out[i] = m.weight
	}
	return out
}

// AddModel appends a member with the given raw weight and renormalizes all
// member weights to sum to one.
func (e *Ensemble) AddModel(model nn.Model, weight float64) error {
	if model.Family() != e.family {
		return fmt.Errorf("family mismatch: ensemble is %s, model is %s", e.family, model.Family())
	}
	if weight <= 0 {
		weight = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Recover raw weights, append, renormalize.
	raw := make([]float64, 0, len(e.members)+1)
	var prevSum float64
	for _, m := range e.members {
		prevSum += m.weight
	}
	for _, m := range e.members {
		if prevSum > 0 {
			raw = append(raw, m.weight/prevSum)
		} else {
			raw = append(raw, 1)
		}
	}
	raw = append(raw, weight)

	var sum float64
	for _, w := range raw {
		sum += w
	}
	e.members = append(e.members, member{model: model})
	for i := range e.members {
		e.members[i].weight = raw[i] / sum
	}
	logger.Infof("ensemble member added: %d members, weights renormalized", len(e.members))
	return nil
}

// Predict combines member predictions with the given method. All members see
// the same features; outputs are per-head probability rows like a single
// model's Predict.
func (e *Ensemble) Predict(features [][]float32, method Method) (map[string][][]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.members) == 0 {
		return nil, ErrEmptyEnsemble
	}

	preds := make([]map[string][][]float32, len(e.members))
	for i, m := range e.members {
		preds[i] = m.model.Predict(features)
	}

	switch method {
	case MethodVoting:
		return e.vote(preds), nil
	case MethodAveraging:
		return e.average(preds, nil), nil
	case MethodWeighted:
		return e.average(preds, e.weightsLocked()), nil
	case MethodStacking:
		// No meta-model is fitted; weighted averaging is the declared fallback.
		return e.average(preds, e.weightsLocked()), nil
	default:
		return nil, fmt.Errorf("unsupported ensemble method: %q", method)
	}
}

func (e *Ensemble) weightsLocked() []float64 {
	out := make([]float64, len(e.members))
	for i, m := range e.members {
		out[i] = m.weight
	}
	return out
}

// average computes the (optionally weighted) mean of member probabilities.
// A nil weight slice means uniform weighting.
func (e *Ensemble) average(preds []map[string][][]float32, weights []float64) map[string][][]float32 {
	out := make(map[string][][]float32)
	for head, rows := range preds[0] {
		combined := make([][]float32, len(rows))
		for n := range rows {
			acc := make([]float64, len(rows[n]))
			for mi, p := range preds {
				w := 1.0 / float64(len(preds))
				if weights != nil {
					w = weights[mi]
				}
				for i, v := range p[head][n] {
					acc[i] += w * float64(v)
				}
			}
			row := make([]float32, len(acc))
			for i, v := range acc {
				row[i] = float32(v)
			}
			combined[n] = row
		}
		out[head] = combined
	}
	return out
}

// vote hard-votes each output. Sigmoid heads threshold at 0.5 per label and
// report the fraction of members voting positive; softmax heads report the
// fraction of members whose argmax landed on each class.
func (e *Ensemble) vote(preds []map[string][][]float32) map[string][][]float32 {
	out := make(map[string][][]float32)
	for head, rows := range preds[0] {
		softmaxHead := isDistribution(rows)
		combined := make([][]float32, len(rows))
		for n := range rows {
			votes := make([]float32, len(rows[n]))
			for _, p := range preds {
				row := p[head][n]
				if softmaxHead {
					votes[argmax(row)]++
				} else {
					for i, v := range row {
						if v > 0.5 {
							votes[i]++
						}
					}
				}
			}
			for i := range votes {
				votes[i] /= float32(len(preds))
			}
			combined[n] = votes
		}
		out[head] = combined
	}
	return out
}

// isDistribution reports whether head rows sum to roughly one, which
// distinguishes softmax heads from independent sigmoid heads.
func isDistribution(rows [][]float32) bool {
	if len(rows) == 0 {
		return false
	}
	var sum float32
	for _, v := range rows[0] {
		sum += v
	}
	return sum > 0.99 && sum < 1.01
}

func argmax(v []float32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

// manifest is the on-disk description of a saved ensemble.
type manifest struct {
	Family    nn.Family `json:"family"`
	Members   []string  `json:"members"`
	Weights   []float64 `json:"weights"`
	Timestamp time.Time `json:"timestamp"`
}

type memberFile struct {
	Family  nn.Family         `json:"family"`
	Config  nn.ModelConfig    `json:"config"`
	Weights []nn.WeightTensor `json:"weights"`
}

// Save writes every member's weights plus a manifest under dir.
func (e *Ensemble) Save(dir string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.members) == 0 {
		return ErrEmptyEnsemble
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ensemble dir: %w", err)
	}

	man := manifest{Family: e.family, Timestamp: time.Now().UTC()}
	for i, m := range e.members {
		name := fmt.Sprintf("member_%d.json", i)
		mf := memberFile{
			Family:  m.model.Family(),
			Config:  m.model.Config(),
			Weights: m.model.StateDict(),
		}
		if err := writeJSON(filepath.Join(dir, name), mf); err != nil {
			return fmt.Errorf("write ensemble member %d: %w", i, err)
		}
		man.Members = append(man.Members, name)
		man.Weights = append(man.Weights, m.weight)
	}
	if err := writeJSON(filepath.Join(dir, "manifest.json"), man); err != nil {
		return fmt.Errorf("write ensemble manifest: %w", err)
	}
	logger.Infof("saved %d-member %s ensemble to %s", len(e.members), e.family, dir)
	return nil
}

// Load reads a saved ensemble back from dir.
func Load(dir string) (*Ensemble, error) {
	var man manifest
	if err := readJSON(filepath.Join(dir, "manifest.json"), &man); err != nil {
		return nil, fmt.Errorf("read ensemble manifest: %w", err)
	}

	e := New(man.Family)
	for i, name := range man.Members {
		var mf memberFile
		if err := readJSON(filepath.Join(dir, name), &mf); err != nil {
			return nil, fmt.Errorf("read ensemble member %s: %w", name, err)
		}
		model, err := nn.New(mf.Family, mf.Config)
		if err != nil {
			return nil, err
		}
		if err := model.LoadStateDict(mf.Weights); err != nil {
			return nil, fmt.Errorf("load ensemble member %s: %w", name, err)
		}
		e.members = append(e.members, member{model: model, weight: man.Weights[i]})
	}
	return e, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
