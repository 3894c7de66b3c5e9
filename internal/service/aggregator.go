package service

import (
	"sort"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/google/uuid"
)

// Aggregation is the per-transition weight change of one batch of events.
type Aggregation struct {
	Deltas      []domain.TransitionDelta
	Visits      map[domain.State]float64
	EventIDs    []uuid.UUID
	WindowStart *time.Time
	WindowEnd   *time.Time
}

// EventAggregator folds feedback events into transition deltas.
//
// Every adjacent pair of a trace receives the event's full weight, however far
// it sits from the end of the conversation. Decay by hop distance is an open
// product question; until it is answered the weight is applied uniformly.
type EventAggregator struct{}

func NewEventAggregator() *EventAggregator {
	return &EventAggregator{}
}

func (a *EventAggregator) Aggregate(events []domain.FeedbackEvent) Aggregation {
	sums := make(map[domain.TransitionKey]float64)
	visits := make(map[domain.State]float64)
	ids := make([]uuid.UUID, 0, len(events))

	var start, end time.Time
	for i, ev := range events {
		ids = append(ids, ev.ID)
		if i == 0 || ev.OccurredAt.Before(start) {
			start = ev.OccurredAt
		}
		if i == 0 || ev.OccurredAt.After(end) {
			end = ev.OccurredAt
		}
		for j := 0; j+1 < len(ev.Trace); j++ {
			key := domain.TransitionKey{Source: ev.Trace[j], Target: ev.Trace[j+1]}
			sums[key] += ev.Weight
			visits[key.Source]++
		}
	}

	deltas := make([]domain.TransitionDelta, 0, len(sums))
	for key, w := range sums {
		deltas = append(deltas, domain.TransitionDelta{Source: key.Source, Target: key.Target, Delta: w})
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].Source != deltas[j].Source {
			return deltas[i].Source < deltas[j].Source
		}
		return deltas[i].Target < deltas[j].Target
	})

	agg := Aggregation{Deltas: deltas, Visits: visits, EventIDs: ids}
	if len(events) > 0 {
		agg.WindowStart = &start
		agg.WindowEnd = &end
	}
	return agg
}
