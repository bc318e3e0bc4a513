// internal/analysis/pipeline.go
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github-payout-service/internal/evaluator"
	"github-payout-service/internal/metrics"
	"github-payout-service/internal/model"
)

const (
	// MaxPayoutPerPush caps any single push regardless of evaluator output.
	MaxPayoutPerPush = 50.00
	// ReviewConfidenceThreshold is the lowest confidence that is auto-approved.
	ReviewConfidenceThreshold = 0.70

	gamingDiffPreview = 500

	fallbackRatePerLine = 0.10
	fallbackRatePerFile = 5.00
	fallbackQuality     = 0.70
	fallbackConfidence  = 0.50
	defaultScore        = 0.50
)

// Evaluator names recorded on analyses that did not come from the model.
const (
	AnalyzedByFallback = "rule_based_fallback"
	AnalyzedByPipeline = "pipeline"
)

// Task alignment values.
const (
	AlignmentAligned          = "aligned"
	AlignmentPartiallyAligned = "partially_aligned"
	AlignmentNotAligned       = "not_aligned"
	AlignmentUnknown          = "unknown"
)

// Flags attached to results produced outside the normal path.
const (
	FlagGamingDetected   = "gaming_detected"
	FlagDetectionFailed  = "detection_failed"
	FlagFallbackAnalysis = "fallback_analysis"
	FlagEnrichmentFailed = "enrichment_failed"
)

// Input is everything known about a push at evaluation time.
type Input struct {
	PushID     string
	Commits    []model.CommitDetail
	Milestones model.MilestoneSpecification
	History    []model.CommitDetail
	Budget     evaluator.BudgetSnapshot
}

// Result is a finished evaluation, ready to be accrued and stored.
type Result struct {
	PayoutAmount   float64
	Reasoning      string
	Confidence     float64
	QualityScore   float64
	TaskAlignment  string
	GamingDetected bool
	Flags          []string
	CommitsSummary string
	MilestoneID    model.MilestoneID
	Status         model.PushStatus
	AnalyzedBy     string
}

// Pipeline runs gaming detection followed by holistic evaluation and applies
// the payout bounds to whatever the evaluator proposes.
type Pipeline struct {
	eval       evaluator.Evaluator
	analyzedBy string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewPipeline creates a pipeline. analyzedBy names the evaluator on stored analyses.
func NewPipeline(eval evaluator.Evaluator, analyzedBy string, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		eval:       eval,
		analyzedBy: analyzedBy,
		logger:     logger.With("component", "analysis"),
		metrics:    m,
	}
}

// Evaluate never fails: evaluator problems degrade to safe defaults.
func (p *Pipeline) Evaluate(ctx context.Context, in Input) Result {
	logger := p.logger.With("push_id", in.PushID, "commits", len(in.Commits))

	if len(in.Commits) == 0 {
		logger.Warn("No commit details available, flagging for review")
		return Result{
			Reasoning:      "No commit details could be fetched for this push.",
			TaskAlignment:  AlignmentUnknown,
			Flags:          []string{FlagEnrichmentFailed},
			CommitsSummary: "0 commits",
			Status:         model.PushNeedsHumanReview,
			AnalyzedBy:     AnalyzedByPipeline,
		}
	}

	gaming := p.detectGaming(ctx, logger, in.Commits)
	if gaming.IsGaming {
		logger.Info("Gaming detected, rejecting push", "confidence", gaming.Confidence, "reason", gaming.Reason)
		return rejectGaming(gaming, p.analyzedBy)
	}

	verdict, err := p.eval.HolisticEvaluate(ctx, evaluator.HolisticRequest{
		Commits:    in.Commits,
		Milestones: in.Milestones,
		History:    in.History,
		Budget:     in.Budget,
		Gaming:     gaming,
	})
	if err != nil {
		logger.Warn("Holistic evaluation failed, using fallback formula", "error", err)
		p.metrics.EvaluatorFailed("holistic")
		return carryDetectionFailure(Fallback(in.Commits, in.Budget.RemainingBudget), gaming)
	}

	res := carryDetectionFailure(p.finalize(verdict, in), gaming)
	logger.Info("Push evaluated", "payout", res.PayoutAmount, "status", res.Status, "confidence", res.Confidence)
	return res
}

func (p *Pipeline) detectGaming(ctx context.Context, logger *slog.Logger, commits []model.CommitDetail) evaluator.GamingVerdict {
	v, err := p.eval.DetectGaming(ctx, Summarize(commits))
	if err != nil {
		logger.Warn("Gaming detection failed, assuming legitimate", "error", err)
		p.metrics.EvaluatorFailed("gaming")
		return evaluator.GamingVerdict{
			IsGaming:   false,
			Confidence: 0.3,
			Reason:     "gaming detection failed, assuming legitimate",
			Flags:      []string{FlagDetectionFailed},
		}
	}
	return v
}

// Summarize reduces commits to what the gaming classifier sees.
func Summarize(commits []model.CommitDetail) []evaluator.CommitSummary {
	out := make([]evaluator.CommitSummary, len(commits))
	for i, c := range commits {
		out[i] = evaluator.CommitSummary{
			SHA:          c.SHA,
			Message:      c.Message,
			Additions:    c.Additions,
			Deletions:    c.Deletions,
			FilesChanged: len(c.FilesChanged),
			DiffPreview:  evaluator.Truncate(c.Diff, gamingDiffPreview),
		}
	}
	return out
}

func rejectGaming(v evaluator.GamingVerdict, analyzedBy string) Result {
	reason := v.Reason
	if reason == "" {
		reason = "illegitimate commits"
	}
	return Result{
		PayoutAmount:   0,
		Reasoning:      "Gaming/spam detected: " + reason,
		Confidence:     round2(clamp01(v.Confidence)),
		QualityScore:   0,
		TaskAlignment:  AlignmentNotAligned,
		GamingDetected: true,
		Flags:          append([]string{FlagGamingDetected}, v.Flags...),
		CommitsSummary: "Spam/gaming commits rejected",
		Status:         model.PushRejected,
		AnalyzedBy:     analyzedBy,
	}
}

func (p *Pipeline) finalize(v evaluator.PayoutVerdict, in Input) Result {
	confidence := defaultScore
	if v.Confidence != nil {
		confidence = *v.Confidence
	}
	quality := defaultScore
	if v.QualityScore != nil {
		quality = *v.QualityScore
	}
	confidence = round2(clamp01(confidence))
	quality = round2(clamp01(quality))

	status := model.PushApproved
	if confidence < ReviewConfidenceThreshold {
		status = model.PushNeedsHumanReview
	}

	var milestone model.MilestoneID
	if v.MilestoneID != "" {
		if _, ok := in.Milestones.Find(v.MilestoneID); ok {
			milestone = v.MilestoneID
		} else {
			p.logger.Debug("Dropping unknown milestone id from verdict", "milestone_id", v.MilestoneID)
		}
	}

	flags := v.Flags
	if flags == nil {
		flags = []string{}
	}

	return Result{
		PayoutAmount:   CapPayout(v.PayoutAmount, in.Budget.RemainingBudget),
		Reasoning:      v.Reasoning,
		Confidence:     confidence,
		QualityScore:   quality,
		TaskAlignment:  normalizeAlignment(v.TaskAlignment),
		Flags:          flags,
		CommitsSummary: v.CommitsSummary,
		MilestoneID:    milestone,
		Status:         status,
		AnalyzedBy:     p.analyzedBy,
	}
}

// Fallback scores a push from line and file counts when the evaluator is down.
func Fallback(commits []model.CommitDetail, remaining float64) Result {
	lines, files := 0, 0
	for _, c := range commits {
		lines += c.LinesChanged()
		files += len(c.FilesChanged)
	}
	base := float64(lines)*fallbackRatePerLine + float64(files)*fallbackRatePerFile

	return Result{
		PayoutAmount:   CapPayout(base*fallbackQuality, remaining),
		Reasoning:      fmt.Sprintf("Fallback analysis: %d lines, %d files changed. Applied standard rates.", lines, files),
		Confidence:     fallbackConfidence,
		QualityScore:   fallbackQuality,
		TaskAlignment:  AlignmentUnknown,
		Flags:          []string{FlagFallbackAnalysis},
		CommitsSummary: fmt.Sprintf("%d commits", len(commits)),
		Status:         model.PushNeedsHumanReview,
		AnalyzedBy:     AnalyzedByFallback,
	}
}

// CapPayout bounds raw to [0, min(MaxPayoutPerPush, remaining)] in cents.
// Rounding never lifts the result above the cap.
func CapPayout(raw, remaining float64) float64 {
	if math.IsNaN(raw) || raw <= 0 {
		return 0
	}
	limit := math.Min(MaxPayoutPerPush, remaining)
	if math.IsNaN(limit) || limit <= 0 {
		return 0
	}
	payout := round2(math.Min(raw, limit))
	if payout > limit {
		payout = math.Floor(limit*100) / 100
	}
	return payout
}

func normalizeAlignment(a string) string {
	switch a {
	case AlignmentAligned, AlignmentPartiallyAligned, AlignmentNotAligned, AlignmentUnknown:
		return a
	}
	return AlignmentUnknown
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func carryDetectionFailure(res Result, gaming evaluator.GamingVerdict) Result {
	if hasFlag(gaming.Flags, FlagDetectionFailed) && !hasFlag(res.Flags, FlagDetectionFailed) {
		res.Flags = append(res.Flags, FlagDetectionFailed)
	}
	return res
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
