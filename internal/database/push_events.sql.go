// internal/database/push_events.sql.go
package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github-payout-service/internal/model"
)

const pushEventColumns = `push_id, project_id, delivery_id, repo, ref, pusher, tracked_developer,
	commit_shas, commit_details, status, attempts, created_at, updated_at, analyzed_at`

func scanPushEvent(row pgx.Row) (model.PushEvent, error) {
	var e model.PushEvent
	err := row.Scan(
		&e.PushID,
		&e.ProjectID,
		&e.DeliveryID,
		&e.Repo,
		&e.Ref,
		&e.Pusher,
		&e.TrackedDeveloper,
		&e.CommitSHAs,
		&e.CommitDetails,
		&e.Status,
		&e.Attempts,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.AnalyzedAt,
	)
	return e, err
}

func collectPushEvents(rows pgx.Rows) ([]model.PushEvent, error) {
	defer rows.Close()
	var items []model.PushEvent
	for rows.Next() {
		e, err := scanPushEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createPushEvent = `-- name: CreatePushEvent :one
INSERT INTO push_events (
    push_id, project_id, delivery_id, repo, ref, pusher, tracked_developer, commit_shas, status
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9
)
RETURNING ` + pushEventColumns

type CreatePushEventParams struct {
	PushID           string
	ProjectID        string
	DeliveryID       string
	Repo             string
	Ref              string
	Pusher           string
	TrackedDeveloper string
	CommitSHAs       []string
	Status           model.PushStatus
}

func (q *Queries) CreatePushEvent(ctx context.Context, arg CreatePushEventParams) (model.PushEvent, error) {
	row := q.db.QueryRow(ctx, createPushEvent,
		arg.PushID,
		arg.ProjectID,
		arg.DeliveryID,
		arg.Repo,
		arg.Ref,
		arg.Pusher,
		arg.TrackedDeveloper,
		arg.CommitSHAs,
		string(arg.Status),
	)
	return scanPushEvent(row)
}

const getPushEvent = `-- name: GetPushEvent :one
SELECT ` + pushEventColumns + `
FROM push_events
WHERE push_id = $1
`

func (q *Queries) GetPushEvent(ctx context.Context, pushID string) (model.PushEvent, error) {
	row := q.db.QueryRow(ctx, getPushEvent, pushID)
	return scanPushEvent(row)
}

const updatePushEventStatus = `-- name: UpdatePushEventStatus :exec
UPDATE push_events
SET status = $2,
    updated_at = now(),
    analyzed_at = CASE WHEN $3::boolean THEN now() ELSE analyzed_at END
WHERE push_id = $1
`

type UpdatePushEventStatusParams struct {
	PushID   string
	Status   model.PushStatus
	Analyzed bool
}

func (q *Queries) UpdatePushEventStatus(ctx context.Context, arg UpdatePushEventStatusParams) error {
	_, err := q.db.Exec(ctx, updatePushEventStatus, arg.PushID, string(arg.Status), arg.Analyzed)
	return err
}

const markPushEventProcessing = `-- name: MarkPushEventProcessing :one
UPDATE push_events
SET status = 'processing',
    attempts = attempts + 1,
    updated_at = now()
WHERE push_id = $1
RETURNING ` + pushEventColumns

func (q *Queries) MarkPushEventProcessing(ctx context.Context, pushID string) (model.PushEvent, error) {
	row := q.db.QueryRow(ctx, markPushEventProcessing, pushID)
	return scanPushEvent(row)
}

const attachCommitDetails = `-- name: AttachCommitDetails :exec
UPDATE push_events
SET commit_details = $2::jsonb,
    updated_at = now()
WHERE push_id = $1
`

type AttachCommitDetailsParams struct {
	PushID  string
	Details []model.CommitDetail
}

func (q *Queries) AttachCommitDetails(ctx context.Context, arg AttachCommitDetailsParams) error {
	details := arg.Details
	if details == nil {
		details = []model.CommitDetail{}
	}
	_, err := q.db.Exec(ctx, attachCommitDetails, arg.PushID, details)
	return err
}

const listHistoricPushEvents = `-- name: ListHistoricPushEvents :many
SELECT ` + pushEventColumns + `
FROM push_events
WHERE project_id = $1 AND status = ANY($2::text[])
ORDER BY created_at DESC
LIMIT $3
`

type ListHistoricPushEventsParams struct {
	ProjectID string
	Statuses  []string
	Limit     int32
}

func (q *Queries) ListHistoricPushEvents(ctx context.Context, arg ListHistoricPushEventsParams) ([]model.PushEvent, error) {
	rows, err := q.db.Query(ctx, listHistoricPushEvents, arg.ProjectID, arg.Statuses, arg.Limit)
	if err != nil {
		return nil, err
	}
	return collectPushEvents(rows)
}

const listStalePushEvents = `-- name: ListStalePushEvents :many
SELECT ` + pushEventColumns + `
FROM push_events
WHERE status IN ('pending_analysis', 'processing')
  AND updated_at < $1
  AND attempts < $2
ORDER BY updated_at ASC
LIMIT $3
`

type ListStalePushEventsParams struct {
	UpdatedBefore time.Time
	MaxAttempts   int32
	Limit         int32
}

func (q *Queries) ListStalePushEvents(ctx context.Context, arg ListStalePushEventsParams) ([]model.PushEvent, error) {
	rows, err := q.db.Query(ctx, listStalePushEvents, arg.UpdatedBefore, arg.MaxAttempts, arg.Limit)
	if err != nil {
		return nil, err
	}
	return collectPushEvents(rows)
}

const listPushEventsByProject = `-- name: ListPushEventsByProject :many
SELECT ` + pushEventColumns + `
FROM push_events
WHERE project_id = $1
ORDER BY created_at DESC
LIMIT $2
`

type ListPushEventsByProjectParams struct {
	ProjectID string
	Limit     int32
}

func (q *Queries) ListPushEventsByProject(ctx context.Context, arg ListPushEventsByProjectParams) ([]model.PushEvent, error) {
	rows, err := q.db.Query(ctx, listPushEventsByProject, arg.ProjectID, arg.Limit)
	if err != nil {
		return nil, err
	}
	return collectPushEvents(rows)
}
