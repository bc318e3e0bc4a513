// internal/model/models.go
package model

import (
	"bytes"
	"database/sql" // sql.NullTime is still useful for AnalyzedAt
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EvaluationMode selects whether pushes are scored automatically or queued for a human.
type EvaluationMode string

const (
	EvaluationManual  EvaluationMode = "manual"
	EvaluationAgentic EvaluationMode = "agentic"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
)

// PushStatus is the processing state of a stored push event.
type PushStatus string

const (
	PushPendingAnalysis     PushStatus = "pending_analysis"
	PushPendingManualReview PushStatus = "pending_manual_review"
	PushProcessing          PushStatus = "processing"
	PushApproved            PushStatus = "approved"
	PushRejected            PushStatus = "rejected"
	PushNeedsHumanReview    PushStatus = "needs_human_review"
	PushPaid                PushStatus = "paid"
)

// Terminal reports whether the status is an outcome of evaluation or payment.
func (s PushStatus) Terminal() bool {
	switch s {
	case PushApproved, PushRejected, PushNeedsHumanReview, PushPaid:
		return true
	}
	return false
}

// Settled statuses count as accepted work for history and spend attribution.
var SettledStatuses = []PushStatus{PushApproved, PushPaid}

// MilestoneID accepts either a JSON number or a JSON string.
type MilestoneID string

func (id *MilestoneID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MilestoneID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("milestone id must be a string or number: %w", err)
	}
	*id = MilestoneID(n.String())
	return nil
}

// Milestone is one budgeted unit of work in a project's plan.
type Milestone struct {
	ID     MilestoneID `json:"id"`
	Title  string      `json:"title"`
	Budget float64     `json:"budget"`
	Tasks  []string    `json:"tasks"`
	Status string      `json:"status"`
}

// MilestoneSpecification is the ordered milestone plan stored with a project.
type MilestoneSpecification struct {
	Milestones []Milestone `json:"milestones"`
}

// Validate rejects plans with missing ids, duplicate ids or negative budgets.
func (s MilestoneSpecification) Validate() error {
	seen := make(map[MilestoneID]struct{}, len(s.Milestones))
	for i, m := range s.Milestones {
		if m.ID == "" {
			return fmt.Errorf("milestone %d: id is required", i)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("milestone %q: duplicate id", m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.Budget < 0 {
			return fmt.Errorf("milestone %q: budget must not be negative", m.ID)
		}
	}
	return nil
}

// Find returns the milestone with the given id.
func (s MilestoneSpecification) Find(id MilestoneID) (Milestone, bool) {
	for _, m := range s.Milestones {
		if m.ID == id {
			return m, true
		}
	}
	return Milestone{}, false
}

// TotalBudget sums the per-milestone allocations.
func (s MilestoneSpecification) TotalBudget() float64 {
	var total float64
	for _, m := range s.Milestones {
		total += m.Budget
	}
	return total
}

// Project is the ledger-bearing entity tracked for a single freelancer and repository.
type Project struct {
	ProjectID              string                 `json:"project_id"`
	FreelanceAlias         string                 `json:"freelance_alias"`
	GithubUsername         string                 `json:"github_username"`
	WalletAddress          string                 `json:"wallet_address"`
	RepoURL                string                 `json:"repo_url"`
	RepoOwner              string                 `json:"repo_owner"`
	RepoName               string                 `json:"repo_name"`
	InstallationID         string                 `json:"installation_id"`
	MilestoneSpecification MilestoneSpecification `json:"milestone_specification"`
	TotalBudget            float64                `json:"total_budget"`
	EarnedPending          float64                `json:"earned_pending"`
	TotalPaid              float64                `json:"total_paid"`
	PayoutThreshold        float64                `json:"payout_threshold"`
	EvaluationMode         EvaluationMode         `json:"evaluation_mode"`
	Status                 ProjectStatus          `json:"status"`
	Version                int64                  `json:"version"`
	StartDate              time.Time              `json:"start_date"`
	EndDate                time.Time              `json:"end_date"`
	CreatedAt              time.Time              `json:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at"`
}

// RemainingBudget is what is left after pending and paid earnings.
func (p Project) RemainingBudget() float64 {
	return p.TotalBudget - p.EarnedPending - p.TotalPaid
}

// FileChange is one file touched by a commit.
type FileChange struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// CommitDetail is the enriched view of a commit fetched from GitHub.
type CommitDetail struct {
	SHA          string       `json:"sha"`
	Author       string       `json:"author"`
	AuthorLogin  string       `json:"author_login,omitempty"`
	Message      string       `json:"message"`
	Timestamp    time.Time    `json:"timestamp"`
	Additions    int          `json:"additions"`
	Deletions    int          `json:"deletions"`
	FilesChanged []FileChange `json:"files_changed"`
	Diff         string       `json:"diff"`
}

// LinesChanged is additions plus deletions.
func (c CommitDetail) LinesChanged() int {
	return c.Additions + c.Deletions
}

// PushEvent is the audit record of one inbound push with tracked commits.
type PushEvent struct {
	PushID           string         `json:"push_id"`
	ProjectID        string         `json:"project_id"`
	DeliveryID       string         `json:"delivery_id,omitempty"`
	Repo             string         `json:"repo"`
	Ref              string         `json:"ref"`
	Pusher           string         `json:"pusher"`
	TrackedDeveloper string         `json:"tracked_developer"`
	CommitSHAs       []string       `json:"commit_shas"`
	CommitDetails    []CommitDetail `json:"commits_details"`
	Status           PushStatus     `json:"status"`
	Attempts         int            `json:"attempts"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	AnalyzedAt       sql.NullTime   `json:"-"`
}

// CommitAnalysis is the immutable outcome of evaluating one push.
type CommitAnalysis struct {
	AnalysisID     string     `json:"analysis_id"`
	PushID         string     `json:"push_id"`
	ProjectID      string     `json:"project_id"`
	PayoutAmount   float64    `json:"payout_amount"`
	Reasoning      string     `json:"reasoning"`
	Confidence     float64    `json:"confidence"`
	QualityScore   float64    `json:"quality_score"`
	TaskAlignment  string     `json:"task_alignment"`
	GamingDetected bool       `json:"gaming_detected"`
	Flags          []string   `json:"flags"`
	CommitsSummary string     `json:"commits_summary"`
	MilestoneID    string     `json:"milestone_id,omitempty"`
	AnalysisStatus PushStatus `json:"analysis_status"`
	AnalyzedBy     string     `json:"analyzed_by"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ParseInstallationID converts a stored installation reference to GitHub's numeric id.
func ParseInstallationID(ref string) (int64, error) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid installation id %q", ref)
	}
	return id, nil
}

// RepoSummary is a repository visible to a GitHub App installation.
type RepoSummary struct {
	GithubRepoID  int64  `json:"github_repo_id"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	URL           string `json:"url"`
	DefaultBranch string `json:"default_branch"`
}

// WebhookRef describes a webhook created on a repository.
type WebhookRef struct {
	ID     int64    `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active bool     `json:"active"`
}
