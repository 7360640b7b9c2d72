package nn

import (
	"math/rand"
)

// headActivation selects the output activation applied by Predict.
type headActivation int

const (
	actSigmoid headActivation = iota
	actSoftmax
)

// headedNet is the shared architecture of both families: a single hidden
// trunk with ReLU, fanned out into independent linear heads.
type headedNet struct {
	family Family
	cfg    ModelConfig

	trunk     *Linear
	headOrder []string
	heads     map[string]*Linear
	headAct   map[string]headActivation

	lastPre    [][]float32 // trunk pre-activation, cached by Forward
	lastHidden [][]float32
}

func newHeadedNet(family Family, cfg ModelConfig, headDims map[string]int, headAct map[string]headActivation, order []string) *headedNet {
	rng := rand.New(rand.NewSource(cfg.Seed))
	n := &headedNet{
		family:    family,
		cfg:       cfg,
		trunk:     NewLinear("trunk", cfg.InputDim(family), cfg.HiddenSize, rng),
		headOrder: order,
		heads:     make(map[string]*Linear, len(headDims)),
		headAct:   headAct,
	}
	for _, name := range order {
		n.heads[name] = NewLinear("head."+name, cfg.HiddenSize, headDims[name], rng)
	}
	return n
}

func (n *headedNet) Family() Family      { return n.family }
func (n *headedNet) Config() ModelConfig { return n.cfg }
func (n *headedNet) Heads() []string     { return n.headOrder }

func (n *headedNet) Forward(features [][]float32) map[string][][]float32 {
	pre := n.trunk.Forward(features)
	hidden := make([][]float32, len(pre))
	for i, row := range pre {
		h := make([]float32, len(row))
		for j, v := range row {
			if v > 0 {
				h[j] = v
			}
		}
		hidden[i] = h
	}
	n.lastPre = pre
	n.lastHidden = hidden

	out := make(map[string][][]float32, len(n.heads))
	for _, name := range n.headOrder {
		out[name] = n.heads[name].Forward(hidden)
	}
	return out
}

func (n *headedNet) Backward(headGrads map[string][][]float32) {
	batch := len(n.lastHidden)
	dHidden := make([][]float32, batch)
	for i := range dHidden {
		dHidden[i] = make([]float32, n.cfg.HiddenSize)
	}
	for _, name := range n.headOrder {
		grads, ok := headGrads[name]
		if !ok {
			continue
		}
		dIn := n.heads[name].Backward(grads)
		for i, row := range dIn {
			for j, v := range row {
				dHidden[i][j] += v
			}
		}
	}
	// ReLU mask from the cached pre-activation.
	for i, row := range dHidden {
		pre := n.lastPre[i]
		for j := range row {
			if pre[j] <= 0 {
				row[j] = 0
			}
		}
	}
	n.trunk.Backward(dHidden)
}

func (n *headedNet) Predict(features [][]float32) map[string][][]float32 {
	pre := n.trunk.Apply(features)
	hidden := make([][]float32, len(pre))
	for i, row := range pre {
		h := make([]float32, len(row))
		for j, v := range row {
			if v > 0 {
				h[j] = v
			}
		}
		hidden[i] = h
	}
	out := make(map[string][][]float32, len(n.heads))
	for _, name := range n.headOrder {
		logits := n.heads[name].Apply(hidden)
		switch n.headAct[name] {
		case actSigmoid:
			out[name] = applyRows(logits, Sigmoid)
		default:
			out[name] = applyRows(logits, Softmax)
		}
	}
	return out
}

func (n *headedNet) Parameters() []*Parameter {
	params := n.trunk.params()
	for _, name := range n.headOrder {
		params = append(params, n.heads[name].params()...)
	}
	return params
}

func (n *headedNet) Linears() []*Linear {
	ls := []*Linear{n.trunk}
	for _, name := range n.headOrder {
		ls = append(ls, n.heads[name])
	}
	return ls
}

func (n *headedNet) StateDict() []WeightTensor {
	return dumpFrom(n.Parameters())
}

func (n *headedNet) LoadStateDict(tensors []WeightTensor) error {
	return loadInto(n.Parameters(), tensors)
}

func (n *headedNet) ZeroGrad() {
	for _, l := range n.Linears() {
		l.ZeroGrad()
	}
}

// StudentModel predicts weaknesses and interests (multi-label) and a learning
// path (single-label) from text embeddings and activity-sequence features.
type StudentModel struct {
	*headedNet
}

func NewStudentModel(cfg ModelConfig) *StudentModel {
	return &StudentModel{headedNet: newHeadedNet(
		FamilyStudent,
		cfg,
		map[string]int{
			"weaknesses": cfg.NumWeaknessLabels,
			"interests":  cfg.NumInterestLabels,
			"path":       cfg.NumPathSteps,
		},
		map[string]headActivation{
			"weaknesses": actSigmoid,
			"interests":  actSigmoid,
			"path":       actSoftmax,
		},
		[]string{"weaknesses", "interests", "path"},
	)}
}

func (m *StudentModel) Clone() Model {
	clone := NewStudentModel(m.cfg)
	if err := clone.LoadStateDict(m.StateDict()); err != nil {
		panic(err) // same architecture, cannot mismatch
	}
	return clone
}

// TeacherModel predicts subject coverage (distribution head) and student
// layering (single-label) from content embeddings and aggregated per-student
// performance features.
type TeacherModel struct {
	*headedNet
}

func NewTeacherModel(cfg ModelConfig) *TeacherModel {
	return &TeacherModel{headedNet: newHeadedNet(
		FamilyTeacher,
		cfg,
		map[string]int{
			"coverage": cfg.NumSubjects,
			"layers":   cfg.NumStudentLayers,
		},
		map[string]headActivation{
			"coverage": actSoftmax,
			"layers":   actSoftmax,
		},
		[]string{"coverage", "layers"},
	)}
}

func (m *TeacherModel) Clone() Model {
	clone := NewTeacherModel(m.cfg)
	if err := clone.LoadStateDict(m.StateDict()); err != nil {
		panic(err)
	}
	return clone
}
