// internal/database/commit_analyses.sql.go
package database

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github-payout-service/internal/model"
)

const commitAnalysisColumns = `analysis_id, push_id, project_id, payout_amount::float8, reasoning,
	confidence::float8, quality_score::float8, task_alignment, gaming_detected, flags,
	commits_summary, COALESCE(milestone_id, ''), analysis_status, analyzed_by, created_at`

func scanCommitAnalysis(row pgx.Row) (model.CommitAnalysis, error) {
	var a model.CommitAnalysis
	err := row.Scan(
		&a.AnalysisID,
		&a.PushID,
		&a.ProjectID,
		&a.PayoutAmount,
		&a.Reasoning,
		&a.Confidence,
		&a.QualityScore,
		&a.TaskAlignment,
		&a.GamingDetected,
		&a.Flags,
		&a.CommitsSummary,
		&a.MilestoneID,
		&a.AnalysisStatus,
		&a.AnalyzedBy,
		&a.CreatedAt,
	)
	return a, err
}

func collectCommitAnalyses(rows pgx.Rows) ([]model.CommitAnalysis, error) {
	defer rows.Close()
	var items []model.CommitAnalysis
	for rows.Next() {
		a, err := scanCommitAnalysis(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createCommitAnalysis = `-- name: CreateCommitAnalysis :one
INSERT INTO commit_analyses (
    analysis_id, push_id, project_id, payout_amount, reasoning, confidence, quality_score,
    task_alignment, gaming_detected, flags, commits_summary, milestone_id, analysis_status, analyzed_by
) VALUES (
    $1, $2, $3, $4::numeric, $5, $6::numeric, $7::numeric, $8, $9, $10, $11, NULLIF($12, ''), $13, $14
)
RETURNING ` + commitAnalysisColumns

type CreateCommitAnalysisParams struct {
	AnalysisID     string
	PushID         string
	ProjectID      string
	PayoutAmount   float64
	Reasoning      string
	Confidence     float64
	QualityScore   float64
	TaskAlignment  string
	GamingDetected bool
	Flags          []string
	CommitsSummary string
	MilestoneID    string
	AnalysisStatus model.PushStatus
	AnalyzedBy     string
}

func (q *Queries) CreateCommitAnalysis(ctx context.Context, arg CreateCommitAnalysisParams) (model.CommitAnalysis, error) {
	flags := arg.Flags
	if flags == nil {
		flags = []string{}
	}
	row := q.db.QueryRow(ctx, createCommitAnalysis,
		arg.AnalysisID,
		arg.PushID,
		arg.ProjectID,
		arg.PayoutAmount,
		arg.Reasoning,
		arg.Confidence,
		arg.QualityScore,
		arg.TaskAlignment,
		arg.GamingDetected,
		flags,
		arg.CommitsSummary,
		arg.MilestoneID,
		string(arg.AnalysisStatus),
		arg.AnalyzedBy,
	)
	return scanCommitAnalysis(row)
}

const listSettledAnalyses = `-- name: ListSettledAnalyses :many
SELECT ` + commitAnalysisColumns + `
FROM commit_analyses
WHERE project_id = $1 AND analysis_status IN ('approved', 'paid')
ORDER BY created_at DESC
LIMIT $2
`

type ListSettledAnalysesParams struct {
	ProjectID string
	Limit     int32
}

func (q *Queries) ListSettledAnalyses(ctx context.Context, arg ListSettledAnalysesParams) ([]model.CommitAnalysis, error) {
	rows, err := q.db.Query(ctx, listSettledAnalyses, arg.ProjectID, arg.Limit)
	if err != nil {
		return nil, err
	}
	return collectCommitAnalyses(rows)
}

const listCommitAnalysesByProject = `-- name: ListCommitAnalysesByProject :many
SELECT ` + commitAnalysisColumns + `
FROM commit_analyses
WHERE project_id = $1
ORDER BY created_at DESC
LIMIT $2
`

type ListCommitAnalysesByProjectParams struct {
	ProjectID string
	Limit     int32
}

func (q *Queries) ListCommitAnalysesByProject(ctx context.Context, arg ListCommitAnalysesByProjectParams) ([]model.CommitAnalysis, error) {
	rows, err := q.db.Query(ctx, listCommitAnalysesByProject, arg.ProjectID, arg.Limit)
	if err != nil {
		return nil, err
	}
	return collectCommitAnalyses(rows)
}
