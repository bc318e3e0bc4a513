// internal/workflow/memstore_test.go
package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github-payout-service/internal/database"
	custom_errors "github-payout-service/internal/errors"
	"github-payout-service/internal/model"
)

// memStore is an in-memory database.Store that follows the SQL semantics of
// the Postgres queries closely enough for workflow tests.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	projects map[string]model.Project
	pushes   map[string]model.PushEvent
	analyses []model.CommitAnalysis
	tick     time.Time

	failCreatePush error
	failAnalysis   error
}

var _ database.Store = (*memStore)(nil)

func newMemStore(projects ...model.Project) *memStore {
	s := &memStore{
		projects: make(map[string]model.Project),
		pushes:   make(map[string]model.PushEvent),
		tick:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, p := range projects {
		s.projects[p.ProjectID] = p
	}
	return s
}

func (s *memStore) now() time.Time {
	s.tick = s.tick.Add(time.Second)
	return s.tick
}

func (s *memStore) ExecTx(ctx context.Context, fn func(database.Querier) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	projects := make(map[string]model.Project, len(s.projects))
	for k, v := range s.projects {
		projects[k] = v
	}
	pushes := make(map[string]model.PushEvent, len(s.pushes))
	for k, v := range s.pushes {
		pushes[k] = v
	}
	analyses := append([]model.CommitAnalysis(nil), s.analyses...)
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.projects, s.pushes, s.analyses = projects, pushes, analyses
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) project(id string) model.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects[id]
}

func (s *memStore) push(id string) model.PushEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes[id]
}

func (s *memStore) pushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushes)
}

func (s *memStore) allAnalyses() []model.CommitAnalysis {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.CommitAnalysis(nil), s.analyses...)
}

func (s *memStore) AccrueEarnings(ctx context.Context, arg database.AccrueEarningsParams) (database.AccrueEarningsRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[arg.ProjectID]
	if !ok {
		return database.AccrueEarningsRow{}, pgx.ErrNoRows
	}
	applied := math.Max(math.Min(arg.Amount, p.RemainingBudget()), 0)
	applied = math.Round(applied*100) / 100
	prev := p.EarnedPending
	p.EarnedPending = math.Round((p.EarnedPending+applied)*100) / 100
	if p.EarnedPending+p.TotalPaid > p.TotalBudget+1e-9 {
		return database.AccrueEarningsRow{}, custom_errors.ErrLedgerInvariantViolation
	}
	p.Version++
	s.projects[p.ProjectID] = p
	return database.AccrueEarningsRow{
		PreviousPending: prev,
		EarnedPending:   p.EarnedPending,
		PayoutThreshold: p.PayoutThreshold,
		Applied:         applied,
	}, nil
}

func (s *memStore) AttachCommitDetails(ctx context.Context, arg database.AttachCommitDetailsParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pushes[arg.PushID]
	if !ok {
		return nil
	}
	e.CommitDetails = arg.Details
	e.UpdatedAt = s.now()
	s.pushes[arg.PushID] = e
	return nil
}

func (s *memStore) CreateCommitAnalysis(ctx context.Context, arg database.CreateCommitAnalysisParams) (model.CommitAnalysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAnalysis != nil {
		return model.CommitAnalysis{}, s.failAnalysis
	}
	a := model.CommitAnalysis{
		AnalysisID:     arg.AnalysisID,
		PushID:         arg.PushID,
		ProjectID:      arg.ProjectID,
		PayoutAmount:   arg.PayoutAmount,
		Reasoning:      arg.Reasoning,
		Confidence:     arg.Confidence,
		QualityScore:   arg.QualityScore,
		TaskAlignment:  arg.TaskAlignment,
		GamingDetected: arg.GamingDetected,
		Flags:          arg.Flags,
		CommitsSummary: arg.CommitsSummary,
		MilestoneID:    arg.MilestoneID,
		AnalysisStatus: arg.AnalysisStatus,
		AnalyzedBy:     arg.AnalyzedBy,
		CreatedAt:      s.now(),
	}
	s.analyses = append(s.analyses, a)
	return a, nil
}

func (s *memStore) CreateProject(ctx context.Context, arg database.CreateProjectParams) (model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := model.Project{
		ProjectID:              arg.ProjectID,
		FreelanceAlias:         arg.FreelanceAlias,
		GithubUsername:         arg.GithubUsername,
		WalletAddress:          arg.WalletAddress,
		RepoURL:                arg.RepoURL,
		RepoOwner:              arg.RepoOwner,
		RepoName:               arg.RepoName,
		InstallationID:         arg.InstallationID,
		MilestoneSpecification: arg.MilestoneSpecification,
		TotalBudget:            arg.TotalBudget,
		PayoutThreshold:        arg.PayoutThreshold,
		EvaluationMode:         arg.EvaluationMode,
		Status:                 arg.Status,
		StartDate:              arg.StartDate,
		EndDate:                arg.EndDate,
		CreatedAt:              s.now(),
	}
	s.projects[p.ProjectID] = p
	return p, nil
}

func (s *memStore) CreatePushEvent(ctx context.Context, arg database.CreatePushEventParams) (model.PushEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreatePush != nil {
		return model.PushEvent{}, s.failCreatePush
	}
	if _, dup := s.pushes[arg.PushID]; dup {
		return model.PushEvent{}, fmt.Errorf("duplicate push id %s", arg.PushID)
	}
	now := s.now()
	e := model.PushEvent{
		PushID:           arg.PushID,
		ProjectID:        arg.ProjectID,
		DeliveryID:       arg.DeliveryID,
		Repo:             arg.Repo,
		Ref:              arg.Ref,
		Pusher:           arg.Pusher,
		TrackedDeveloper: arg.TrackedDeveloper,
		CommitSHAs:       arg.CommitSHAs,
		Status:           arg.Status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.pushes[e.PushID] = e
	return e, nil
}

func (s *memStore) GetActiveProjectByRepo(ctx context.Context, arg database.GetActiveProjectByRepoParams) (model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Status == model.ProjectActive &&
			strings.EqualFold(p.RepoOwner, arg.RepoOwner) &&
			strings.EqualFold(p.RepoName, arg.RepoName) {
			return p, nil
		}
	}
	return model.Project{}, pgx.ErrNoRows
}

func (s *memStore) GetProject(ctx context.Context, projectID string) (model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return model.Project{}, pgx.ErrNoRows
	}
	return p, nil
}

func (s *memStore) GetPushEvent(ctx context.Context, pushID string) (model.PushEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pushes[pushID]
	if !ok {
		return model.PushEvent{}, pgx.ErrNoRows
	}
	return e, nil
}

func (s *memStore) ListCommitAnalysesByProject(ctx context.Context, arg database.ListCommitAnalysesByProjectParams) ([]model.CommitAnalysis, error) {
	return s.filterAnalyses(arg.ProjectID, arg.Limit, func(model.CommitAnalysis) bool { return true }), nil
}

func (s *memStore) ListSettledAnalyses(ctx context.Context, arg database.ListSettledAnalysesParams) ([]model.CommitAnalysis, error) {
	return s.filterAnalyses(arg.ProjectID, arg.Limit, func(a model.CommitAnalysis) bool {
		return a.AnalysisStatus == model.PushApproved || a.AnalysisStatus == model.PushPaid
	}), nil
}

func (s *memStore) filterAnalyses(projectID string, limit int32, keep func(model.CommitAnalysis) bool) []model.CommitAnalysis {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CommitAnalysis
	for i := len(s.analyses) - 1; i >= 0; i-- {
		a := s.analyses[i]
		if a.ProjectID == projectID && keep(a) {
			out = append(out, a)
		}
		if int32(len(out)) == limit {
			break
		}
	}
	return out
}

func (s *memStore) ListHistoricPushEvents(ctx context.Context, arg database.ListHistoricPushEventsParams) ([]model.PushEvent, error) {
	return s.filterPushes(arg.Limit, func(e model.PushEvent) bool {
		if e.ProjectID != arg.ProjectID {
			return false
		}
		for _, st := range arg.Statuses {
			if string(e.Status) == st {
				return true
			}
		}
		return false
	}, true), nil
}

func (s *memStore) ListPushEventsByProject(ctx context.Context, arg database.ListPushEventsByProjectParams) ([]model.PushEvent, error) {
	return s.filterPushes(arg.Limit, func(e model.PushEvent) bool { return e.ProjectID == arg.ProjectID }, true), nil
}

func (s *memStore) ListStalePushEvents(ctx context.Context, arg database.ListStalePushEventsParams) ([]model.PushEvent, error) {
	return s.filterPushes(arg.Limit, func(e model.PushEvent) bool {
		return (e.Status == model.PushPendingAnalysis || e.Status == model.PushProcessing) &&
			e.UpdatedAt.Before(arg.UpdatedBefore) && int32(e.Attempts) < arg.MaxAttempts
	}, false), nil
}

func (s *memStore) filterPushes(limit int32, keep func(model.PushEvent) bool, newestFirst bool) []model.PushEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PushEvent
	for _, e := range s.pushes {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memStore) MarkPushEventProcessing(ctx context.Context, pushID string) (model.PushEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pushes[pushID]
	if !ok {
		return model.PushEvent{}, pgx.ErrNoRows
	}
	e.Status = model.PushProcessing
	e.Attempts++
	e.UpdatedAt = s.now()
	s.pushes[pushID] = e
	return e, nil
}

func (s *memStore) UpdatePushEventStatus(ctx context.Context, arg database.UpdatePushEventStatusParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pushes[arg.PushID]
	if !ok {
		return errors.New("push not found")
	}
	e.Status = arg.Status
	e.UpdatedAt = s.now()
	if arg.Analyzed {
		e.AnalyzedAt.Time, e.AnalyzedAt.Valid = e.UpdatedAt, true
	}
	s.pushes[arg.PushID] = e
	return nil
}
