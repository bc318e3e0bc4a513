// internal/ledger/accountant.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/jackc/pgx/v5"

	"github-payout-service/internal/database"
	custom_errors "github-payout-service/internal/errors"
	"github-payout-service/internal/metrics"
)

// Result describes one accrual into a project's pending balance.
type Result struct {
	ProjectID           string  `json:"project_id"`
	Requested           float64 `json:"requested"`
	Applied             float64 `json:"applied"`
	PreviousPending     float64 `json:"previous_pending"`
	NewPending          float64 `json:"new_pending"`
	Threshold           float64 `json:"payout_threshold"`
	ShouldTriggerPayout bool    `json:"should_trigger_payout"`
}

// Accountant is the only writer of earned_pending.
type Accountant struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewAccountant(logger *slog.Logger, m *metrics.Metrics) *Accountant {
	return &Accountant{
		logger:  logger.With("component", "ledger"),
		metrics: m,
	}
}

// Accrue adds amount to the project's pending balance in a single atomic
// statement. The amount actually applied is capped by the remaining budget
// at the moment the row is locked, so it may be lower than requested.
func (a *Accountant) Accrue(ctx context.Context, q database.Querier, projectID string, amount float64) (Result, error) {
	if math.IsNaN(amount) || amount < 0 {
		amount = 0
	}

	row, err := q.AccrueEarnings(ctx, database.AccrueEarningsParams{ProjectID: projectID, Amount: amount})
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, fmt.Errorf("%w: %s", custom_errors.ErrProjectNotFound, projectID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to accrue earnings for project %s: %w", projectID, err)
	}
	if row.EarnedPending < 0 || row.Applied < 0 || row.Applied > amount+0.005 {
		return Result{}, fmt.Errorf("%w: project %s applied %.2f of %.2f", custom_errors.ErrLedgerInvariantViolation, projectID, row.Applied, amount)
	}

	res := Result{
		ProjectID:           projectID,
		Requested:           amount,
		Applied:             row.Applied,
		PreviousPending:     row.PreviousPending,
		NewPending:          row.EarnedPending,
		Threshold:           row.PayoutThreshold,
		ShouldTriggerPayout: ShouldTrigger(row.PreviousPending, row.Applied, row.PayoutThreshold),
	}

	logger := a.logger.With("project_id", projectID)
	if res.Applied < res.Requested {
		logger.Warn("Accrual capped by remaining budget", "requested", res.Requested, "applied", res.Applied)
	}
	logger.Info("Earnings accrued", "applied", res.Applied, "pending", res.NewPending, "threshold", res.Threshold, "trigger_payout", res.ShouldTriggerPayout)

	a.metrics.PayoutAccrued(res.Applied)
	return res, nil
}

// ShouldTrigger reports whether the pending balance after adding payout
// reaches the threshold. Reaching it exactly counts.
func ShouldTrigger(before, payout, threshold float64) bool {
	return cents(before+payout) >= cents(threshold)
}

func cents(v float64) int64 {
	return int64(math.Round(v * 100))
}
