package training

import (
	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/nn"
)

// StopMode selects whether the monitored score should be minimized or
// maximized.
type StopMode string

const (
	StopModeMin StopMode = "min"
	StopModeMax StopMode = "max"
)

// StopConfig configures an EarlyStopping policy.
type StopConfig struct {
	Patience    int      `json:"patience"`
	MinDelta    float64  `json:"min_delta"`
	Baseline    *float64 `json:"baseline,omitempty"`
	RestoreBest bool     `json:"restore_best"`
	Mode        StopMode `json:"mode"`
}

// EpochRecord is one entry of the per-epoch score history.
type EpochRecord struct {
	Epoch   int     `json:"epoch"`
	Score   float64 `json:"score"`
	Metrics Metrics `json:"metrics,omitempty"`
}

// StopSummary reports the outcome of a monitored run.
type StopSummary struct {
	BestScore    *float64      `json:"best_score"`
	BestEpoch    int           `json:"best_epoch"`
	TotalEpochs  int           `json:"total_epochs"`
	StoppedEarly bool          `json:"stopped_early"`
	History      []EpochRecord `json:"history"`
}

// EarlyStopping tracks a monitored score across epochs and decides when a
// training run should halt. It also captures the model state of the best
// epoch when restore-best is enabled. One instance belongs to one run.
type EarlyStopping struct {
	cfg  StopConfig
	mode StopMode

	counter   int
	bestScore *float64
	bestEpoch int
	bestState []nn.WeightTensor
	stopped   bool
	history   []EpochRecord
}

// NewEarlyStopping constructs a fresh policy in the initial state.
func NewEarlyStopping(cfg StopConfig) *EarlyStopping {
	if cfg.Patience <= 0 {
		cfg.Patience = 5
	}
	// Zero means any strict improvement counts; negatives are clamped.
	if cfg.MinDelta < 0 {
		cfg.MinDelta = 0
	}
	mode := cfg.Mode
	if mode != StopModeMax {
		mode = StopModeMin
	}
	return &EarlyStopping{cfg: cfg, mode: mode}
}

// Observe records one epoch's score and returns true when patience is
// exhausted and training should stop. The model state is copied only when the
// epoch improves on the best score and restore-best is enabled.
func (e *EarlyStopping) Observe(epoch int, score float64, state []nn.WeightTensor, metrics Metrics) bool {
	e.history = append(e.history, EpochRecord{Epoch: epoch, Score: score, Metrics: metrics})

	if e.bestScore == nil {
		e.updateBest(epoch, score, state)
		return false
	}

	if e.improved(score) {
		e.updateBest(epoch, score, state)
		e.counter = 0
	} else {
		e.counter++
	}

	if e.counter >= e.cfg.Patience {
		e.stopped = true
		logger.Infof("early stopping triggered: no improvement for %d epochs", e.cfg.Patience)
		return true
	}
	return false
}

// Improved reports whether the last observed epoch updated the best score.
func (e *EarlyStopping) Improved() bool {
	if len(e.history) == 0 || e.bestScore == nil {
		return false
	}
	return e.history[len(e.history)-1].Epoch == e.bestEpoch
}

// ShouldStopOnBaseline reports whether the score is on the unfavorable side
// of the configured baseline. The policy never applies this itself; callers
// compose it explicitly.
func (e *EarlyStopping) ShouldStopOnBaseline(score float64) bool {
	if e.cfg.Baseline == nil {
		return false
	}
	if e.mode == StopModeMin {
		return score > *e.cfg.Baseline
	}
	return score < *e.cfg.Baseline
}

// BestState returns the captured best model state, or nil when restore-best
// is disabled or nothing has been observed.
func (e *EarlyStopping) BestState() []nn.WeightTensor {
	return e.bestState
}

// Summary reports the run outcome with the full history.
func (e *EarlyStopping) Summary() StopSummary {
	return StopSummary{
		BestScore:    e.bestScore,
		BestEpoch:    e.bestEpoch,
		TotalEpochs:  len(e.history),
		StoppedEarly: e.stopped,
		History:      e.history,
	}
}

func (e *EarlyStopping) improved(score float64) bool {
	if e.mode == StopModeMin {
		return score < *e.bestScore-e.cfg.MinDelta
	}
	return score > *e.bestScore+e.cfg.MinDelta
}

func (e *EarlyStopping) updateBest(epoch int, score float64, state []nn.WeightTensor) {
	s := score
	e.bestScore = &s
	e.bestEpoch = epoch
	if e.cfg.RestoreBest && state != nil {
		e.bestState = state
	}
}
