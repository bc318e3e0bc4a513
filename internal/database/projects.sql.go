// internal/database/projects.sql.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	custom_errors "github-payout-service/internal/errors"
	"github-payout-service/internal/model"
)

const projectColumns = `project_id, freelance_alias, github_username, wallet_address, repo_url,
	repo_owner, repo_name, installation_id, milestone_specification,
	total_budget::float8, earned_pending::float8, total_paid::float8, payout_threshold::float8,
	evaluation_mode, status, version, start_date, end_date, created_at, updated_at`

func scanProject(row pgx.Row) (model.Project, error) {
	var p model.Project
	err := row.Scan(
		&p.ProjectID,
		&p.FreelanceAlias,
		&p.GithubUsername,
		&p.WalletAddress,
		&p.RepoURL,
		&p.RepoOwner,
		&p.RepoName,
		&p.InstallationID,
		&p.MilestoneSpecification,
		&p.TotalBudget,
		&p.EarnedPending,
		&p.TotalPaid,
		&p.PayoutThreshold,
		&p.EvaluationMode,
		&p.Status,
		&p.Version,
		&p.StartDate,
		&p.EndDate,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

const getActiveProjectByRepo = `-- name: GetActiveProjectByRepo :one
SELECT ` + projectColumns + `
FROM projects
WHERE lower(repo_owner) = lower($1) AND lower(repo_name) = lower($2) AND status = 'active'
ORDER BY created_at DESC
LIMIT 1
`

type GetActiveProjectByRepoParams struct {
	RepoOwner string
	RepoName  string
}

func (q *Queries) GetActiveProjectByRepo(ctx context.Context, arg GetActiveProjectByRepoParams) (model.Project, error) {
	row := q.db.QueryRow(ctx, getActiveProjectByRepo, arg.RepoOwner, arg.RepoName)
	return scanProject(row)
}

const getProject = `-- name: GetProject :one
SELECT ` + projectColumns + `
FROM projects
WHERE project_id = $1
`

func (q *Queries) GetProject(ctx context.Context, projectID string) (model.Project, error) {
	row := q.db.QueryRow(ctx, getProject, projectID)
	return scanProject(row)
}

const createProject = `-- name: CreateProject :one
INSERT INTO projects (
    project_id, freelance_alias, github_username, wallet_address, repo_url,
    repo_owner, repo_name, installation_id, milestone_specification,
    total_budget, payout_threshold, evaluation_mode, status, start_date, end_date
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::numeric, $11::numeric, $12, $13, $14, $15
)
RETURNING ` + projectColumns

type CreateProjectParams struct {
	ProjectID              string
	FreelanceAlias         string
	GithubUsername         string
	WalletAddress          string
	RepoURL                string
	RepoOwner              string
	RepoName               string
	InstallationID         string
	MilestoneSpecification model.MilestoneSpecification
	TotalBudget            float64
	PayoutThreshold        float64
	EvaluationMode         model.EvaluationMode
	Status                 model.ProjectStatus
	StartDate              time.Time
	EndDate                time.Time
}

func (q *Queries) CreateProject(ctx context.Context, arg CreateProjectParams) (model.Project, error) {
	row := q.db.QueryRow(ctx, createProject,
		arg.ProjectID,
		arg.FreelanceAlias,
		arg.GithubUsername,
		arg.WalletAddress,
		arg.RepoURL,
		arg.RepoOwner,
		arg.RepoName,
		arg.InstallationID,
		arg.MilestoneSpecification,
		arg.TotalBudget,
		arg.PayoutThreshold,
		string(arg.EvaluationMode),
		string(arg.Status),
		arg.StartDate,
		arg.EndDate,
	)
	return scanProject(row)
}

// The applied amount is capped against the remaining budget while the row is
// locked, so concurrent accruals can never push earned_pending past the budget.
const accrueEarnings = `-- name: AccrueEarnings :one
WITH cur AS (
    SELECT project_id,
           GREATEST(LEAST($2::numeric, total_budget - earned_pending - total_paid), 0) AS applied
    FROM projects
    WHERE project_id = $1
    FOR UPDATE
)
UPDATE projects p
SET earned_pending = p.earned_pending + cur.applied,
    version = p.version + 1,
    updated_at = now()
FROM cur
WHERE p.project_id = cur.project_id
RETURNING (p.earned_pending - cur.applied)::float8, p.earned_pending::float8, p.payout_threshold::float8, cur.applied::float8
`

type AccrueEarningsParams struct {
	ProjectID string
	Amount    float64
}

type AccrueEarningsRow struct {
	PreviousPending float64
	EarnedPending   float64
	PayoutThreshold float64
	Applied         float64
}

func (q *Queries) AccrueEarnings(ctx context.Context, arg AccrueEarningsParams) (AccrueEarningsRow, error) {
	row := q.db.QueryRow(ctx, accrueEarnings, arg.ProjectID, arg.Amount)
	var i AccrueEarningsRow
	err := row.Scan(
		&i.PreviousPending,
		&i.EarnedPending,
		&i.PayoutThreshold,
		&i.Applied,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return i, fmt.Errorf("%w: %s", custom_errors.ErrLedgerInvariantViolation, pgErr.ConstraintName)
	}
	return i, err
}
