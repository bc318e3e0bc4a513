// internal/evaluator/evaluator.go
package evaluator

import (
	"context"
	"fmt"

	custom_errors "github-payout-service/internal/errors"
	"github-payout-service/internal/model"
)

// ErrUnavailable is returned when no evaluation backend is configured.
var ErrUnavailable = fmt.Errorf("%w: no API key configured", custom_errors.ErrEvaluatorUnavailable)

// Evaluator judges pushed work. Implementations may fail at any time; callers
// are expected to degrade rather than propagate.
type Evaluator interface {
	DetectGaming(ctx context.Context, commits []CommitSummary) (GamingVerdict, error)
	HolisticEvaluate(ctx context.Context, req HolisticRequest) (PayoutVerdict, error)
}

// CommitSummary is the reduced view of a commit used for gaming detection.
type CommitSummary struct {
	SHA          string `json:"sha"`
	Message      string `json:"message"`
	Additions    int    `json:"additions"`
	Deletions    int    `json:"deletions"`
	FilesChanged int    `json:"files_changed"`
	DiffPreview  string `json:"diff_preview"`
}

// GamingVerdict is the outcome of the spam/gaming classifier.
type GamingVerdict struct {
	IsGaming   bool     `json:"is_gaming"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
	Flags      []string `json:"flags"`
}

// MilestoneSummary is one row of the milestone budget table.
type MilestoneSummary struct {
	ID         model.MilestoneID `json:"id"`
	Title      string            `json:"title"`
	Budget     float64           `json:"budget"`
	TasksCount int               `json:"tasks_count"`
	Status     string            `json:"status"`
}

// BudgetSnapshot is the project's financial position read before evaluation.
type BudgetSnapshot struct {
	TotalBudget          float64            `json:"total_budget"`
	TotalPaid            float64            `json:"total_paid"`
	EarnedPending        float64            `json:"earned_pending"`
	RemainingBudget      float64            `json:"remaining_budget"`
	TotalMilestoneBudget float64            `json:"total_milestone_budget"`
	UtilizationPercent   float64            `json:"budget_utilization_percent"`
	Milestones           []MilestoneSummary `json:"milestone_summary"`
	// MilestoneSpending is settled payout per milestone id. Untagged payouts
	// are kept under "unknown".
	MilestoneSpending map[string]float64 `json:"milestone_spending"`
}

// HolisticRequest carries everything the payout evaluator sees.
type HolisticRequest struct {
	Commits    []model.CommitDetail
	Milestones model.MilestoneSpecification
	History    []model.CommitDetail
	Budget     BudgetSnapshot
	Gaming     GamingVerdict
}

// PayoutVerdict is the raw holistic judgment before any capping. Confidence
// and QualityScore are nil when the evaluator omitted them.
type PayoutVerdict struct {
	PayoutAmount   float64
	Reasoning      string
	Confidence     *float64
	QualityScore   *float64
	TaskAlignment  string
	MilestoneID    model.MilestoneID
	Flags          []string
	CommitsSummary string
}
