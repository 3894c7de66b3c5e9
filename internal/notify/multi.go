package notify

import (
	"context"
	"errors"

	"github.com/Harshitk-cp/markovtune/internal/domain"
)

// Multi delivers to every publisher and joins their errors.
type Multi []domain.PromotionPublisher

func (m Multi) Publish(ctx context.Context, e domain.PromotionEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
