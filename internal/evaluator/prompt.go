// internal/evaluator/prompt.go
package evaluator

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// holisticDiffLimit bounds each diff shown to the payout evaluator.
const holisticDiffLimit = 1000

const gamingSystemPrompt = `You screen commits for a freelancer payment platform.
Decide whether the commits are legitimate work or gaming: commits made only to inflate payment.

Typical gaming:
- empty commits or whitespace-only changes
- lines added and removed repeatedly
- trivial README edits without substance
- gibberish or generated filler
- large pasted blocks with no purpose

Be strict but fair. Real work must pass.`

const holisticSystemPrompt = `You are a payment analyst evaluating freelancer work against a fixed project budget.

Match the work to a milestone and pay a share of that milestone's budget proportional
to the tasks it completes, adjusted for quality. The project budget is fixed and must
last for every milestone: never exceed the milestone's remaining budget or the
project's remaining balance. Empty commits earn nothing and trivial work earns $1-3.
Task completion and quality matter more than line counts.`

func buildGamingPrompt(commits []CommitSummary) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Analyze these %d commit(s) for gaming/spam:\n\n", len(commits)))
	for i, c := range commits {
		sb.WriteString(fmt.Sprintf("Commit %d:\n", i+1))
		sb.WriteString(fmt.Sprintf("- Message: %s\n", c.Message))
		sb.WriteString(fmt.Sprintf("- Changes: +%d -%d lines, %d files\n", c.Additions, c.Deletions, c.FilesChanged))
		sb.WriteString(fmt.Sprintf("- Diff preview:\n%s\n\n", c.DiffPreview))
	}

	sb.WriteString("Respond with JSON only:\n")
	sb.WriteString(`{"is_gaming": true/false, "confidence": 0.0-1.0, "reason": "brief explanation", "flags": ["flag"]}`)
	sb.WriteString("\n")

	return sb.String()
}

func buildHolisticPrompt(req HolisticRequest) string {
	var sb strings.Builder
	b := req.Budget

	sb.WriteString(fmt.Sprintf("Determine a fair payment for this push.\n\nCurrent commits (%d):\n", len(req.Commits)))
	for _, c := range req.Commits {
		diff := c.Diff
		if len(diff) > holisticDiffLimit {
			diff = Truncate(diff, holisticDiffLimit) + "\n... (truncated)"
		}
		sb.WriteString(fmt.Sprintf("Commit: %s\nChanges: +%d -%d lines\nFiles: %d\nDiff:\n%s\n\n",
			c.Message, c.Additions, c.Deletions, len(c.FilesChanged), diff))
	}

	sb.WriteString("Milestones and tasks:\n")
	if len(req.Milestones.Milestones) == 0 {
		sb.WriteString("  (no milestones defined)\n")
	}
	for _, m := range req.Milestones.Milestones {
		sb.WriteString(fmt.Sprintf("Milestone %s: %s (budget: $%.2f)\n", m.ID, m.Title, m.Budget))
		for _, t := range m.Tasks {
			sb.WriteString(fmt.Sprintf("  - %s\n", t))
		}
	}

	sb.WriteString("\nMilestone budget status:\n")
	for _, m := range b.Milestones {
		spent := b.MilestoneSpending[string(m.ID)]
		sb.WriteString(fmt.Sprintf("  %s. %s: $%.2f budget, %d tasks, $%.2f spent, $%.2f remaining\n",
			m.ID, m.Title, m.Budget, m.TasksCount, spent, m.Budget-spent))
	}
	if untagged := b.MilestoneSpending["unknown"]; untagged > 0 {
		sb.WriteString(fmt.Sprintf("  untagged work: $%.2f spent\n", untagged))
	}
	sb.WriteString(fmt.Sprintf("Total allocated: $%.2f\n", b.TotalMilestoneBudget))

	sb.WriteString(fmt.Sprintf("\nRecent accepted work (last %d commits):\n", len(req.History)))
	for _, h := range req.History {
		sb.WriteString(fmt.Sprintf("  - %s (+%d -%d)\n", firstLine(h.Message), h.Additions, h.Deletions))
	}

	sb.WriteString("\nBudget:\n")
	sb.WriteString(fmt.Sprintf("- Total project budget: $%.2f (fixed)\n", b.TotalBudget))
	sb.WriteString(fmt.Sprintf("- Already paid: $%.2f\n", b.TotalPaid))
	sb.WriteString(fmt.Sprintf("- Pending payment: $%.2f\n", b.EarnedPending))
	sb.WriteString(fmt.Sprintf("- Remaining balance: $%.2f\n", b.RemainingBudget))
	sb.WriteString(fmt.Sprintf("- Budget utilized: %.1f%%\n", b.UtilizationPercent))

	sb.WriteString("\nPre-screening: legitimate work")
	if req.Gaming.Reason != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", req.Gaming.Reason))
	}
	sb.WriteString("\n\nPay (tasks completed / tasks in milestone) x milestone budget x quality (0.5-1.0), ")
	sb.WriteString("never more than the milestone's remaining budget, the project's remaining balance or $50.\n")

	sb.WriteString("\nRespond with JSON only:\n")
	sb.WriteString(`{"payout_amount": 0-50, "reasoning": "3-5 sentences", "confidence": 0.0-1.0, "quality_score": 0.0-1.0, `)
	sb.WriteString(`"task_alignment": "aligned/partially_aligned/not_aligned", "milestone_id": "id of the milestone or null", `)
	sb.WriteString(`"flags": ["flag"], "commits_summary": "one sentence"}`)
	sb.WriteString("\n")

	return sb.String()
}

// Truncate returns at most n bytes of s without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
