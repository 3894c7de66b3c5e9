package service

import (
	"errors"
	"fmt"
	"math"
)

const DefaultSignificanceThreshold = 0.15

var ErrInvalidThreshold = errors.New("significance threshold must be a finite, non-negative number")

// Decision is the outcome of the promotion gate.
type Decision struct {
	Promote   bool    `json:"promote"`
	Drift     float64 `json:"drift"`
	Threshold float64 `json:"threshold"`
	Reason    string  `json:"reason"`
}

// PromotionGate promotes a version when its drift reaches the threshold. It
// holds nothing but the threshold, so a decision depends only on its inputs.
type PromotionGate struct {
	threshold float64
}

func NewPromotionGate(threshold float64) (*PromotionGate, error) {
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) || threshold < 0 {
		return nil, ErrInvalidThreshold
	}
	return &PromotionGate{threshold: threshold}, nil
}

func (g *PromotionGate) Threshold() float64 { return g.threshold }

func (g *PromotionGate) Decide(drift float64) Decision {
	return Decide(drift, g.threshold)
}

// Decide is the pure gate function.
func Decide(drift, threshold float64) Decision {
	d := Decision{Drift: drift, Threshold: threshold}
	if !math.IsNaN(drift) && drift >= threshold {
		d.Promote = true
		d.Reason = fmt.Sprintf("drift %.4f >= threshold %.4f", drift, threshold)
		return d
	}
	d.Reason = fmt.Sprintf("drift %.4f below threshold %.4f", drift, threshold)
	return d
}
