// internal/database/querier.go
package database

import (
	"context"

	"github-payout-service/internal/model"
)

type Querier interface {
	AccrueEarnings(ctx context.Context, arg AccrueEarningsParams) (AccrueEarningsRow, error)
	AttachCommitDetails(ctx context.Context, arg AttachCommitDetailsParams) error
	CreateCommitAnalysis(ctx context.Context, arg CreateCommitAnalysisParams) (model.CommitAnalysis, error)
	CreateProject(ctx context.Context, arg CreateProjectParams) (model.Project, error)
	CreatePushEvent(ctx context.Context, arg CreatePushEventParams) (model.PushEvent, error)
	GetActiveProjectByRepo(ctx context.Context, arg GetActiveProjectByRepoParams) (model.Project, error)
	GetProject(ctx context.Context, projectID string) (model.Project, error)
	GetPushEvent(ctx context.Context, pushID string) (model.PushEvent, error)
	ListCommitAnalysesByProject(ctx context.Context, arg ListCommitAnalysesByProjectParams) ([]model.CommitAnalysis, error)
	ListHistoricPushEvents(ctx context.Context, arg ListHistoricPushEventsParams) ([]model.PushEvent, error)
	ListPushEventsByProject(ctx context.Context, arg ListPushEventsByProjectParams) ([]model.PushEvent, error)
	ListSettledAnalyses(ctx context.Context, arg ListSettledAnalysesParams) ([]model.CommitAnalysis, error)
	ListStalePushEvents(ctx context.Context, arg ListStalePushEventsParams) ([]model.PushEvent, error)
	MarkPushEventProcessing(ctx context.Context, pushID string) (model.PushEvent, error)
	UpdatePushEventStatus(ctx context.Context, arg UpdatePushEventStatusParams) error
}

var _ Querier = (*Queries)(nil)
