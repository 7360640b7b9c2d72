package training

import (
	"fmt"
	"math"
)

// Scheduler computes the learning rate for an epoch from the base rate.
// Implementations are pure; the epoch index carries all the state.
type Scheduler interface {
	LR(epoch int, baseLR float64) float64
	Name() string
}

// SchedulerType names a learning-rate strategy.
type SchedulerType string

const (
	SchedulerStep        SchedulerType = "step"
	SchedulerCosine      SchedulerType = "cosine"
	SchedulerLinear      SchedulerType = "linear"
	SchedulerExponential SchedulerType = "exp"
	SchedulerCyclic      SchedulerType = "cyclic"
	SchedulerWarmup      SchedulerType = "warmup"
)

// SchedulerConfig carries the union of the per-strategy knobs.
type SchedulerConfig struct {
	StepSize     int           `json:"step_size"`
	Gamma        float64       `json:"gamma"`
	TMax         int           `json:"t_max"`
	EtaMin       float64       `json:"eta_min"`
	TotalEpochs  int           `json:"total_epochs"`
	BaseLR       float64       `json:"base_lr"`
	MaxLR        float64       `json:"max_lr"`
	WarmupEpochs int           `json:"warmup_epochs"`
	Base         SchedulerType `json:"base_scheduler"`
}

// NewScheduler builds a scheduler of the given type.
func NewScheduler(typ SchedulerType, cfg SchedulerConfig) (Scheduler, error) {
	switch typ {
	case SchedulerStep:
		return &StepScheduler{StepSize: defaultInt(cfg.StepSize, 30), Gamma: defaultFloat(cfg.Gamma, 0.1)}, nil
	case SchedulerCosine:
		return &CosineScheduler{TMax: defaultInt(cfg.TMax, 100), EtaMin: cfg.EtaMin}, nil
	case SchedulerLinear:
		return &LinearScheduler{TotalEpochs: defaultInt(cfg.TotalEpochs, 100)}, nil
	case SchedulerExponential:
		return &ExponentialScheduler{Gamma: defaultFloat(cfg.Gamma, 0.95)}, nil
	case SchedulerCyclic:
		return &CyclicScheduler{
			BaseLR:   defaultFloat(cfg.BaseLR, 1e-4),
			MaxLR:    defaultFloat(cfg.MaxLR, 1e-2),
			StepSize: defaultInt(cfg.StepSize, 20),
		}, nil
	case SchedulerWarmup:
		base := cfg.Base
		if base == "" {
			base = SchedulerCosine
		}
		if base == SchedulerWarmup {
			return nil, fmt.Errorf("warmup scheduler cannot wrap itself")
		}
		total := defaultInt(cfg.TotalEpochs, 100)
		warmup := defaultInt(cfg.WarmupEpochs, 5)
		innerCfg := cfg
		innerCfg.TotalEpochs = total - warmup
		innerCfg.TMax = total - warmup
		inner, err := NewScheduler(base, innerCfg)
		if err != nil {
			return nil, err
		}
		return &WarmupScheduler{WarmupEpochs: warmup, Inner: inner}, nil
	default:
		return nil, fmt.Errorf("unsupported scheduler type: %q", typ)
	}
}

// StepScheduler decays the rate by Gamma every StepSize epochs.
type StepScheduler struct {
	StepSize int
	Gamma    float64
}

func (s *StepScheduler) LR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepScheduler) Name() string { return "step" }

// CosineScheduler anneals from the base rate down to EtaMin over TMax epochs.
type CosineScheduler struct {
	TMax   int
	EtaMin float64
}

func (s *CosineScheduler) LR(epoch int, baseLR float64) float64 {
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineScheduler) Name() string { return "cosine" }

// LinearScheduler ramps linearly from the base rate to zero across the run.
// The rate is clamped at zero so callers that overshoot TotalEpochs never see
// a negative rate.
type LinearScheduler struct {
	TotalEpochs int
}

func (s *LinearScheduler) LR(epoch int, baseLR float64) float64 {
	lr := baseLR * (1 - float64(epoch)/float64(s.TotalEpochs))
	if lr < 0 {
		return 0
	}
	return lr
}

func (s *LinearScheduler) Name() string { return "linear" }

// ExponentialScheduler multiplies the rate by Gamma each epoch.
type ExponentialScheduler struct {
	Gamma float64
}

func (s *ExponentialScheduler) LR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialScheduler) Name() string { return "exp" }

// CyclicScheduler oscillates in a triangular wave between BaseLR and MaxLR
// with period 2*StepSize. The configured base rate replaces the caller's.
type CyclicScheduler struct {
	BaseLR   float64
	MaxLR    float64
	StepSize int
}

func (s *CyclicScheduler) LR(epoch int, _ float64) float64 {
	cycle := math.Floor(1 + float64(epoch)/float64(2*s.StepSize))
	x := math.Abs(float64(epoch)/float64(s.StepSize) - 2*cycle + 1)
	return s.BaseLR + (s.MaxLR-s.BaseLR)*math.Max(0, 1-x)
}

func (s *CyclicScheduler) Name() string { return "cyclic" }

// WarmupScheduler ramps linearly from zero to the base rate over WarmupEpochs,
// then delegates to the inner scheduler re-indexed from zero. Re-basing the
// inner epoch counter keeps the rate continuous across the warmup boundary.
type WarmupScheduler struct {
	WarmupEpochs int
	Inner        Scheduler
}

func (s *WarmupScheduler) LR(epoch int, baseLR float64) float64 {
	if epoch < s.WarmupEpochs {
		return baseLR * float64(epoch+1) / float64(s.WarmupEpochs)
	}
	return s.Inner.LR(epoch-s.WarmupEpochs, baseLR)
}

func (s *WarmupScheduler) Name() string { return "warmup+" + s.Inner.Name() }

func defaultInt(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func defaultFloat(v, d float64) float64 {
	if v <= 0 {
		return d
	}
	return v
}
