package analytics

import (
	"context"
	"errors"
	"log/slog"

	"github.com/NawfalRAZOUK7/apm-observability/internal/repository"
)

// Attempt runs one store round-trip for tier.
type Attempt func(ctx context.Context, tier Tier) error

// Execution reports which tier served a query.
type Execution struct {
	Source   Tier
	FellBack bool
}

// Executor runs planned queries with a single rollup-to-raw fallback.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor constructs an Executor.
func NewExecutor(logger *slog.Logger) Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return Executor{logger: logger}
}

// Run executes attempt for the planned tier. When a rollup relation is
// missing it retries once on raw; every other failure is reported unavailable.
func (e Executor) Run(ctx context.Context, op string, plan Plan, attempt Attempt) (Execution, error) {
	if err := ctx.Err(); err != nil {
		return Execution{}, unavailable(op, err)
	}
	err := attempt(ctx, plan.Tier)
	if err == nil {
		return Execution{Source: plan.Tier}, nil
	}
	if !plan.Tier.IsRollup() || !errors.Is(err, repository.ErrRelationMissing) {
		return Execution{}, unavailable(op, err)
	}
	if cerr := ctx.Err(); cerr != nil {
		return Execution{}, unavailable(op, cerr)
	}
	e.logger.Warn("rollup unavailable, falling back to raw", "op", op, "tier", plan.Tier.String(), "error", err)
	if err := attempt(ctx, TierRaw); err != nil {
		return Execution{}, unavailable(op, err)
	}
	return Execution{Source: TierRaw, FellBack: true}, nil
}

func unavailable(op string, err error) error {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{
		Op:        op,
		Retryable: errors.Is(err, context.DeadlineExceeded),
		Err:       err,
	}
}
