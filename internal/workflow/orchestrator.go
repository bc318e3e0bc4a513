// internal/workflow/orchestrator.go
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github-payout-service/internal/analysis"
	"github-payout-service/internal/database"
	custom_errors "github-payout-service/internal/errors"
	"github-payout-service/internal/ledger"
	"github-payout-service/internal/metrics"
	"github-payout-service/internal/model"
	"github-payout-service/internal/payout"
	"github-payout-service/internal/queue"
	"github-payout-service/internal/webhook"
)

// Ack statuses.
const (
	AckOK    = "ok"
	AckError = "error"
)

// FlagBudgetCapped marks an analysis whose payout was reduced by the ledger.
const FlagBudgetCapped = "budget_capped"

// Delivery is one inbound webhook request.
type Delivery struct {
	Event      string
	DeliveryID string
	Signature  string
	Body       []byte
}

// Ack is the informational response returned to the webhook sender.
type Ack struct {
	Status         string               `json:"status"`
	Message        string               `json:"message"`
	Hint           string               `json:"hint,omitempty"`
	PushID         string               `json:"push_id,omitempty"`
	ProjectID      string               `json:"project_id,omitempty"`
	TrackedCommits int                  `json:"tracked_commits,omitempty"`
	EvaluationMode model.EvaluationMode `json:"evaluation_mode,omitempty"`
	PushStatus     model.PushStatus     `json:"push_status,omitempty"`
}

// Evaluation scores a push. *analysis.Pipeline implements it.
type Evaluation interface {
	Evaluate(ctx context.Context, in analysis.Input) analysis.Result
}

// Accruer credits earnings to a project. *ledger.Accountant implements it.
type Accruer interface {
	Accrue(ctx context.Context, q database.Querier, projectID string, amount float64) (ledger.Result, error)
}

// Submitter queues background work. *queue.Dispatcher implements it.
type Submitter interface {
	Submit(t queue.Task) error
}

// Options controls webhook authentication.
type Options struct {
	WebhookSecret    string
	EnforceSignature bool
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store      database.Store
	Deliveries *webhook.DeliveryTracker
	Enricher   *Enricher
	Pipeline   Evaluation
	Ledger     Accruer
	Payouts    payout.Executor
	Queue      Submitter
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Orchestrator turns push webhooks into stored, evaluated and accrued work.
type Orchestrator struct {
	store      database.Store
	deliveries *webhook.DeliveryTracker
	enricher   *Enricher
	pipeline   Evaluation
	ledger     Accruer
	payouts    payout.Executor
	queue      Submitter
	opts       Options
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func New(d Deps, opts Options) *Orchestrator {
	return &Orchestrator{
		store:      d.Store,
		deliveries: d.Deliveries,
		enricher:   d.Enricher,
		pipeline:   d.Pipeline,
		ledger:     d.Ledger,
		payouts:    d.Payouts,
		queue:      d.Queue,
		opts:       opts,
		logger:     d.Logger.With("component", "workflow"),
		metrics:    d.Metrics,
	}
}

// HandlePush runs the synchronous part of webhook handling. Problems with a
// single push are reported in the Ack; the error is reserved for storage
// faults the sender should retry.
func (o *Orchestrator) HandlePush(ctx context.Context, d Delivery) (Ack, error) {
	logger := o.logger.With("event", d.Event, "delivery_id", d.DeliveryID)

	if o.opts.EnforceSignature && !webhook.VerifySignature(d.Body, d.Signature, o.opts.WebhookSecret) {
		logger.Warn("Rejected webhook with invalid signature")
		o.metrics.WebhookEvent(metrics.EventOther, "invalid_signature")
		return Ack{Status: AckError, Message: custom_errors.ErrAuthenticityFailure.Error()}, nil
	}

	payload, err := webhook.DecodePush(d.Event, d.Body)
	if err != nil {
		return o.declined(logger, d.Event, err), nil
	}
	logger = logger.With("repo", payload.FullName())

	if !o.claim(d.DeliveryID) {
		logger.Info("Ignoring redelivered webhook")
		o.metrics.WebhookEvent(d.Event, "duplicate")
		return Ack{Status: AckOK, Message: custom_errors.ErrDuplicateDelivery.Error()}, nil
	}

	ack, err := o.ingest(ctx, logger, d, payload)
	if err != nil {
		o.release(d.DeliveryID)
		o.metrics.WebhookEvent(d.Event, "error")
		return Ack{}, err
	}
	return ack, nil
}

func (o *Orchestrator) declined(logger *slog.Logger, event string, err error) Ack {
	var unsupported *custom_errors.ErrUnsupportedEventType
	switch {
	case errors.As(err, &unsupported) && unsupported.Event == webhook.EventPing:
		o.metrics.WebhookEvent(event, "pong")
		return Ack{Status: AckOK, Message: "pong"}
	case errors.As(err, &unsupported):
		logger.Info("Ignoring non-push event")
		o.metrics.WebhookEvent(event, "ignored")
		return Ack{Status: AckOK, Message: unsupported.Error()}
	case errors.Is(err, custom_errors.ErrEmptyPayload):
		logger.Warn("Empty webhook body received")
		o.metrics.WebhookEvent(event, "empty")
		return Ack{Status: AckError, Message: "Empty body received", Hint: "Check if proxy/CDN is stripping request body"}
	default:
		logger.Warn("Failed to decode webhook payload", "error", err)
		o.metrics.WebhookEvent(event, "malformed")
		return Ack{Status: AckError, Message: fmt.Sprintf("Failed to parse payload: %v", err)}
	}
}

func (o *Orchestrator) ingest(ctx context.Context, logger *slog.Logger, d Delivery, payload *webhook.PushPayload) (Ack, error) {
	project, err := o.store.GetActiveProjectByRepo(ctx, database.GetActiveProjectByRepoParams{
		RepoOwner: payload.Owner,
		RepoName:  payload.Name,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		logger.Info("No active project for repository")
		o.metrics.WebhookEvent(d.Event, "no_project")
		return Ack{Status: AckOK, Message: "No active project found for this repository"}, nil
	}
	if err != nil {
		return Ack{}, fmt.Errorf("failed to look up project for %s: %w", payload.FullName(), err)
	}
	logger = logger.With("project_id", project.ProjectID)

	shas := webhook.Attribute(payload.Commits, project.GithubUsername)
	if len(shas) == 0 {
		logger.Info("No commits from tracked developer", "tracked", project.GithubUsername, "commits", len(payload.Commits))
		o.metrics.WebhookEvent(d.Event, "no_commits")
		return Ack{Status: AckOK, Message: fmt.Sprintf("%v: %s", custom_errors.ErrNoAttributedCommits, project.GithubUsername)}, nil
	}

	event, err := o.store.CreatePushEvent(ctx, database.CreatePushEventParams{
		PushID:           "push_" + uuid.NewString(),
		ProjectID:        project.ProjectID,
		DeliveryID:       d.DeliveryID,
		Repo:             payload.FullName(),
		Ref:              payload.Ref,
		Pusher:           payload.Pusher.Name,
		TrackedDeveloper: project.GithubUsername,
		CommitSHAs:       shas,
		Status:           model.PushPendingAnalysis,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("failed to store push event: %w", err)
	}
	logger = logger.With("push_id", event.PushID)
	logger.Info("Push event stored", "tracked_commits", len(shas))

	ack := Ack{
		Status:         AckOK,
		PushID:         event.PushID,
		ProjectID:      project.ProjectID,
		TrackedCommits: len(shas),
		EvaluationMode: project.EvaluationMode,
	}

	if project.EvaluationMode == model.EvaluationManual {
		err := o.store.UpdatePushEventStatus(ctx, database.UpdatePushEventStatusParams{
			PushID: event.PushID,
			Status: model.PushPendingManualReview,
		})
		if err != nil {
			return Ack{}, fmt.Errorf("failed to mark push %s for manual review: %w", event.PushID, err)
		}
		o.metrics.WebhookEvent(d.Event, "manual")
		ack.Message = "Push event stored for manual review"
		ack.PushStatus = model.PushPendingManualReview
		return ack, nil
	}

	if err := o.queue.Submit(queue.Task{PushID: event.PushID, ProjectID: project.ProjectID}); err != nil {
		// The push stays pending_analysis and the reconciler picks it up later.
		logger.Warn("Could not queue push for analysis", "error", err)
		o.metrics.WebhookEvent(d.Event, "deferred")
		ack.Message = "Push event stored, analysis deferred"
		ack.PushStatus = model.PushPendingAnalysis
		return ack, nil
	}

	o.metrics.WebhookEvent(d.Event, "queued")
	ack.Message = "Push event received, analysis running in background"
	ack.PushStatus = model.PushProcessing
	return ack, nil
}

func (o *Orchestrator) claim(id string) bool {
	if o.deliveries == nil {
		return true
	}
	return o.deliveries.Claim(id)
}

func (o *Orchestrator) release(id string) {
	if o.deliveries != nil {
		o.deliveries.Release(id)
	}
}

// Process evaluates a stored push and books its payout. It is the queue
// handler for agentic projects and is safe to call again for a push that
// already reached a terminal status.
func (o *Orchestrator) Process(ctx context.Context, pushID string) error {
	logger := o.logger.With("push_id", pushID)

	current, err := o.store.GetPushEvent(ctx, pushID)
	if err != nil {
		return fmt.Errorf("failed to load push %s: %w", pushID, err)
	}
	if current.Status.Terminal() || current.Status == model.PushPendingManualReview {
		logger.Info("Push already handled, skipping", "status", current.Status)
		return nil
	}

	event, err := o.store.MarkPushEventProcessing(ctx, pushID)
	if err != nil {
		return fmt.Errorf("failed to mark push %s as processing: %w", pushID, err)
	}
	logger = logger.With("project_id", event.ProjectID, "attempt", event.Attempts)

	project, err := o.store.GetProject(ctx, event.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project %s: %w", event.ProjectID, err)
	}

	details := o.enrich(ctx, logger, project, event.CommitSHAs)
	if len(details) > 0 {
		err := o.store.AttachCommitDetails(ctx, database.AttachCommitDetailsParams{PushID: pushID, Details: details})
		if err != nil {
			return fmt.Errorf("failed to attach commit details to push %s: %w", pushID, err)
		}
	}

	snap, err := LoadSnapshot(ctx, o.store, project.ProjectID, pushID)
	if err != nil {
		return err
	}

	res := o.pipeline.Evaluate(ctx, analysis.Input{
		PushID:     pushID,
		Commits:    details,
		Milestones: snap.Project.MilestoneSpecification,
		History:    snap.History,
		Budget:     snap.Budget,
	})

	accrual, err := o.record(ctx, pushID, project.ProjectID, res)
	if err != nil {
		return err
	}
	o.metrics.EvaluationCompleted(string(res.Status), res.AnalyzedBy)
	logger.Info("Push analysis recorded", "status", res.Status, "payout", accrual.Applied, "pending", accrual.NewPending)

	if !accrual.ShouldTriggerPayout {
		return nil
	}
	o.metrics.PayoutTriggered()
	err = o.payouts.Execute(ctx, payout.Trigger{
		ProjectID:        project.ProjectID,
		NewPendingTotal:  accrual.NewPending,
		Threshold:        accrual.Threshold,
		ThresholdCrossed: true,
	})
	if err != nil {
		return fmt.Errorf("payout trigger for project %s failed: %w", project.ProjectID, err)
	}
	return nil
}

func (o *Orchestrator) enrich(ctx context.Context, logger *slog.Logger, project model.Project, shas []string) []model.CommitDetail {
	installationID, err := model.ParseInstallationID(project.InstallationID)
	if err != nil {
		logger.Warn("Project has no usable installation id, skipping enrichment", "error", err)
		return nil
	}

	details, err := o.enricher.Enrich(ctx, installationID, project.RepoOwner, project.RepoName, shas)
	var partial *custom_errors.ErrPartialEnrichment
	if errors.As(err, &partial) {
		logger.Warn("Some commits could not be enriched", "failed", partial.Failed)
	}
	return details
}

// record accrues the payout and stores the analysis in one transaction. The
// stored amount is what the ledger actually applied.
func (o *Orchestrator) record(ctx context.Context, pushID, projectID string, res analysis.Result) (ledger.Result, error) {
	var accrual ledger.Result
	err := o.store.ExecTx(ctx, func(q database.Querier) error {
		var err error
		accrual, err = o.ledger.Accrue(ctx, q, projectID, res.PayoutAmount)
		if err != nil {
			return err
		}

		flags := res.Flags
		if res.PayoutAmount-accrual.Applied >= 0.01 {
			flags = append(append([]string(nil), flags...), FlagBudgetCapped)
		}

		_, err = q.CreateCommitAnalysis(ctx, database.CreateCommitAnalysisParams{
			AnalysisID:     "ana_" + uuid.NewString(),
			PushID:         pushID,
			ProjectID:      projectID,
			PayoutAmount:   accrual.Applied,
			Reasoning:      res.Reasoning,
			Confidence:     res.Confidence,
			QualityScore:   res.QualityScore,
			TaskAlignment:  res.TaskAlignment,
			GamingDetected: res.GamingDetected,
			Flags:          flags,
			CommitsSummary: res.CommitsSummary,
			MilestoneID:    string(res.MilestoneID),
			AnalysisStatus: res.Status,
			AnalyzedBy:     res.AnalyzedBy,
		})
		if err != nil {
			return fmt.Errorf("failed to store analysis for push %s: %w", pushID, err)
		}

		return q.UpdatePushEventStatus(ctx, database.UpdatePushEventStatusParams{
			PushID:   pushID,
			Status:   res.Status,
			Analyzed: true,
		})
	})
	if err != nil {
		return ledger.Result{}, fmt.Errorf("failed to record analysis for push %s: %w", pushID, err)
	}
	return accrual, nil
}
