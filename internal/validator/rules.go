// Package validator holds the rule-engine call-outs consulted for each
// transition delta before a fine-tuning run applies it.
package validator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/Harshitk-cp/markovtune/internal/domain"
)

// Rules is the local rule set. Zero values disable a rule.
type Rules struct {
	MaxStateLength int
	DenyStates     map[domain.State]struct{}
	RejectSelfLoop bool
	MaxDelta       float64
}

func NewRules(maxStateLength int, deny []string, rejectSelfLoop bool, maxDelta float64) *Rules {
	r := &Rules{
		MaxStateLength: maxStateLength,
		DenyStates:     make(map[domain.State]struct{}, len(deny)),
		RejectSelfLoop: rejectSelfLoop,
		MaxDelta:       maxDelta,
	}
	for _, s := range deny {
		if s = strings.TrimSpace(s); s != "" {
			r.DenyStates[domain.State(s)] = struct{}{}
		}
	}
	return r
}

func (r *Rules) Validate(ctx context.Context, d domain.TransitionDelta) error {
	for _, s := range []domain.State{d.Source, d.Target} {
		if r.MaxStateLength > 0 && utf8.RuneCountInString(string(s)) > r.MaxStateLength {
			return domain.Reject(d, fmt.Sprintf("state %q longer than %d characters", truncate(string(s), 32), r.MaxStateLength))
		}
		if _, denied := r.DenyStates[s]; denied {
			return domain.Reject(d, fmt.Sprintf("state %q is denied", s))
		}
	}
	if r.RejectSelfLoop && d.Source == d.Target {
		return domain.Reject(d, "self transitions are not allowed")
	}
	if r.MaxDelta > 0 && math.Abs(d.Delta) > r.MaxDelta {
		return domain.Reject(d, fmt.Sprintf("delta %g exceeds limit %g", d.Delta, r.MaxDelta))
	}
	return nil
}

// Chain runs validators in order and stops at the first error.
type Chain []domain.TransitionValidator

func (c Chain) Validate(ctx context.Context, d domain.TransitionDelta) error {
	for _, v := range c {
		if err := v.Validate(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
