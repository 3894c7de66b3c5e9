package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

type FeedbackType string

const (
	FeedbackType5Star   FeedbackType = "5星"
	FeedbackType4Star   FeedbackType = "4星"
	FeedbackType3Star   FeedbackType = "3星"
	FeedbackType2Star   FeedbackType = "2星"
	FeedbackType1Star   FeedbackType = "1星"
	FeedbackTypeLike    FeedbackType = "点赞"
	FeedbackTypeDislike FeedbackType = "点踩"
	FeedbackTypeSave    FeedbackType = "收藏"
	FeedbackTypeShare   FeedbackType = "分享"
	FeedbackTypeCopy    FeedbackType = "复制"
	FeedbackTypeReuse   FeedbackType = "再次使用"

	// FeedbackTypeRating is an intake-only type resolved to a star type
	// through the "rating" field of the raw signal.
	FeedbackTypeRating FeedbackType = "rating"
)

// FeedbackWeights is the fixed weight table. Each weight is added to every
// transition on the event's conversation trace.
var FeedbackWeights = map[FeedbackType]float64{
	FeedbackType5Star:   2.0,
	FeedbackType4Star:   1.5,
	FeedbackType3Star:   1.0,
	FeedbackType2Star:   0.5,
	FeedbackType1Star:   0.2,
	FeedbackTypeLike:    1.8,
	FeedbackTypeDislike: 0.3,
	FeedbackTypeSave:    1.6,
	FeedbackTypeShare:   1.7,
	FeedbackTypeCopy:    1.4,
	FeedbackTypeReuse:   1.5,
}

var feedbackAliases = map[string]FeedbackType{
	"5_star":  FeedbackType5Star,
	"4_star":  FeedbackType4Star,
	"3_star":  FeedbackType3Star,
	"2_star":  FeedbackType2Star,
	"1_star":  FeedbackType1Star,
	"like":    FeedbackTypeLike,
	"dislike": FeedbackTypeDislike,
	"save":    FeedbackTypeSave,
	"share":   FeedbackTypeShare,
	"copy":    FeedbackTypeCopy,
	"reuse":   FeedbackTypeReuse,
}

var starTypes = [...]FeedbackType{
	FeedbackType1Star, FeedbackType2Star, FeedbackType3Star, FeedbackType4Star, FeedbackType5Star,
}

// ResolveFeedbackType normalizes an intake type (canonical name, English
// alias, or "rating" plus a 1..5 rating in the raw signal) to a canonical
// type from the weight table.
func ResolveFeedbackType(raw string, signal map[string]any) (FeedbackType, error) {
	t := strings.TrimSpace(raw)
	if _, ok := FeedbackWeights[FeedbackType(t)]; ok {
		return FeedbackType(t), nil
	}
	if alias, ok := feedbackAliases[strings.ToLower(t)]; ok {
		return alias, nil
	}
	if strings.EqualFold(t, string(FeedbackTypeRating)) {
		rating, ok := ratingFromSignal(signal)
		if !ok {
			return "", fmt.Errorf("%w: rating must be an integer between 1 and 5", ErrUnknownFeedbackType)
		}
		return starTypes[rating-1], nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFeedbackType, raw)
}

func ratingFromSignal(signal map[string]any) (int, bool) {
	v, ok := signal["rating"]
	if !ok {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, false
	}
	if f != math.Trunc(f) || f < 1 || f > 5 {
		return 0, false
	}
	return int(f), true
}

// WeightOf returns the table weight for a canonical type.
func WeightOf(t FeedbackType) (float64, bool) {
	w, ok := FeedbackWeights[t]
	return w, ok
}

// FeedbackInput is the raw record handed over by the API layer.
type FeedbackInput struct {
	ConversationID string         `json:"conversationId"`
	EventID        string         `json:"eventId,omitempty"`
	StateSequence  []State        `json:"stateSequence"`
	FeedbackType   string         `json:"feedbackType"`
	RawSignal      map[string]any `json:"rawSignal,omitempty"`
	Timestamp      *time.Time     `json:"timestamp,omitempty"`
}

// FeedbackEvent is a validated, weighted and durably recorded feedback signal.
type FeedbackEvent struct {
	ID             uuid.UUID      `json:"id"`
	ConversationID string         `json:"conversation_id"`
	EventID        string         `json:"event_id,omitempty"`
	Trace          []State        `json:"trace"`
	Type           FeedbackType   `json:"feedback_type"`
	Weight         float64        `json:"weight"`
	RawSignal      map[string]any `json:"raw_signal,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	OccurredAt     time.Time      `json:"occurred_at"`
	RecordedAt     time.Time      `json:"recorded_at"`
	ConsumedBy     *uuid.UUID     `json:"consumed_by,omitempty"`
	ConsumedAt     *time.Time     `json:"consumed_at,omitempty"`
}

type IngestResult string

const (
	IngestCreated   IngestResult = "created"
	IngestDuplicate IngestResult = "duplicate"
)
