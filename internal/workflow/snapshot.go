// internal/workflow/snapshot.go
package workflow

import (
	"context"
	"fmt"
	"math"

	"github-payout-service/internal/database"
	"github-payout-service/internal/evaluator"
	"github-payout-service/internal/model"
)

const (
	historyPushLimit   = 10
	historyCommitLimit = 10
	spendAnalysesLimit = 100

	// unknownMilestone collects settled payouts that were not tagged.
	unknownMilestone = "unknown"
)

// Snapshot is the project state an evaluation is based on.
type Snapshot struct {
	Project model.Project
	History []model.CommitDetail
	Budget  evaluator.BudgetSnapshot
}

// LoadSnapshot reads the project, its recent accepted work and its settled
// spend. The push being evaluated is left out of the history.
func LoadSnapshot(ctx context.Context, q database.Querier, projectID, currentPushID string) (Snapshot, error) {
	project, err := q.GetProject(ctx, projectID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}

	statuses := make([]string, len(model.SettledStatuses))
	for i, s := range model.SettledStatuses {
		statuses[i] = string(s)
	}
	events, err := q.ListHistoricPushEvents(ctx, database.ListHistoricPushEventsParams{
		ProjectID: projectID,
		Statuses:  statuses,
		Limit:     historyPushLimit,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load push history for project %s: %w", projectID, err)
	}

	analyses, err := q.ListSettledAnalyses(ctx, database.ListSettledAnalysesParams{
		ProjectID: projectID,
		Limit:     spendAnalysesLimit,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load settled analyses for project %s: %w", projectID, err)
	}

	return Snapshot{
		Project: project,
		History: flattenHistory(events, currentPushID),
		Budget:  BuildBudget(project, analyses),
	}, nil
}

// flattenHistory concatenates commits from newest push to oldest and keeps
// the first historyCommitLimit of them.
func flattenHistory(events []model.PushEvent, skipPushID string) []model.CommitDetail {
	var commits []model.CommitDetail
	for _, e := range events {
		if e.PushID == skipPushID {
			continue
		}
		commits = append(commits, e.CommitDetails...)
		if len(commits) >= historyCommitLimit {
			return commits[:historyCommitLimit]
		}
	}
	return commits
}

// BuildBudget summarizes the project's money and milestone plan.
func BuildBudget(p model.Project, settled []model.CommitAnalysis) evaluator.BudgetSnapshot {
	b := evaluator.BudgetSnapshot{
		TotalBudget:          p.TotalBudget,
		TotalPaid:            p.TotalPaid,
		EarnedPending:        p.EarnedPending,
		RemainingBudget:      p.RemainingBudget(),
		TotalMilestoneBudget: p.MilestoneSpecification.TotalBudget(),
		Milestones:           make([]evaluator.MilestoneSummary, 0, len(p.MilestoneSpecification.Milestones)),
		MilestoneSpending:    make(map[string]float64),
	}
	if p.TotalBudget > 0 {
		b.UtilizationPercent = math.Round((p.EarnedPending+p.TotalPaid)/p.TotalBudget*1000) / 10
	}

	for _, m := range p.MilestoneSpecification.Milestones {
		b.Milestones = append(b.Milestones, evaluator.MilestoneSummary{
			ID:         m.ID,
			Title:      m.Title,
			Budget:     m.Budget,
			TasksCount: len(m.Tasks),
			Status:     m.Status,
		})
	}

	for _, a := range settled {
		key := a.MilestoneID
		if key == "" {
			key = unknownMilestone
		}
		b.MilestoneSpending[key] += a.PayoutAmount
	}
	return b
}
