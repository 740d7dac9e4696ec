package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/medichain/medichain/internal/ledger"
)

// Source supplies the current exchange rate.
type Source interface {
	Rate(ctx context.Context) (Rate, error)
}

// StaticSource always returns the same rate.
type StaticSource struct {
	R Rate
}

func (s StaticSource) Rate(ctx context.Context) (Rate, error) {
	if err := ctx.Err(); err != nil {
		return Rate{}, err
	}
	if s.R.IsZero() {
		return Rate{}, fmt.Errorf("static rate not configured")
	}
	return s.R, nil
}

// Fetch queries src bounded by timeout. Any failure, including a timeout,
// is reported as ledger.ErrRateUnavailable.
func Fetch(ctx context.Context, src Source, timeout time.Duration) (Rate, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	rate, err := src.Rate(ctx)
	if err != nil {
		return Rate{}, fmt.Errorf("%w: %v", ledger.ErrRateUnavailable, err)
	}
	if rate.IsZero() {
		return Rate{}, fmt.Errorf("%w: source returned no rate", ledger.ErrRateUnavailable)
	}
	return rate, nil
}
