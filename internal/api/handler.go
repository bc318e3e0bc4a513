// internal/api/handler.go
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"

	"github-payout-service/internal/database"
	"github-payout-service/internal/metrics"
	"github-payout-service/internal/model"
	"github-payout-service/internal/workflow"
)

// GitHub caps webhook payloads at 25 MB.
const maxWebhookBody = 25 << 20

// PushHandler is the webhook fast path. *workflow.Orchestrator implements it.
type PushHandler interface {
	HandlePush(ctx context.Context, d workflow.Delivery) (workflow.Ack, error)
}

// QueueInspector lists pushes waiting for or under analysis.
type QueueInspector interface {
	InFlight() []string
}

// AppClient is the part of the GitHub App client exposed over the API.
type AppClient interface {
	ListAccessibleRepositories(ctx context.Context, installationID int64) ([]model.RepoSummary, error)
	CreateWebhook(ctx context.Context, installationID int64, owner, repo, callbackURL, secret string) (model.WebhookRef, error)
}

// Deps are the collaborators of the HTTP API. GitHub and Metrics may be nil.
type Deps struct {
	Store              database.Querier
	Pushes             PushHandler
	Queue              QueueInspector
	GitHub             AppClient
	Metrics            *metrics.Metrics
	WebhookCallbackURL string
	WebhookSecret      string
	Logger             *slog.Logger
}

// Handler is the container for API dependencies.
type Handler struct {
	db          database.Querier
	pushes      PushHandler
	queue       QueueInspector
	github      AppClient
	callbackURL string
	secret      string
	logger      *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(d Deps) http.Handler {
	h := &Handler{
		db:          d.Store,
		pushes:      d.Pushes,
		queue:       d.Queue,
		github:      d.GitHub,
		callbackURL: d.WebhookCallbackURL,
		secret:      d.WebhookSecret,
		logger:      d.Logger.With("component", "api"),
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.healthCheck)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/api/webhooks", func(r chi.Router) {
		r.Post("/github", h.githubWebhook)
		r.Get("/test", h.webhookTest)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/projects/{id}", h.getProject)
		r.Get("/projects/{id}/pushes", h.getProjectPushes)
		r.Get("/projects/{id}/analyses", h.getProjectAnalyses)
		r.Post("/projects/{id}/webhook", h.createProjectWebhook)
		r.Get("/pushes/{id}", h.getPush)
		r.Get("/installations/{id}/repositories", h.getInstallationRepos)
		r.Get("/queue", h.getQueue)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// githubWebhook receives GitHub deliveries. Everything except storage
// faults is answered with 200 so GitHub does not retry.
// POST /api/webhooks/github
func (h *Handler) githubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("Failed to read webhook body", "error", err)
		respondWithJSON(w, http.StatusOK, workflow.Ack{Status: workflow.AckError, Message: "Failed to read request body"})
		return
	}

	ack, err := h.pushes.HandlePush(r.Context(), workflow.Delivery{
		Event:      r.Header.Get("X-GitHub-Event"),
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
		Signature:  r.Header.Get("X-Hub-Signature-256"),
		Body:       body,
	})
	if err != nil {
		h.logger.Error("Failed to process webhook", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Error processing webhook")
		return
	}
	respondWithJSON(w, http.StatusOK, ack)
}

// webhookTest lets operators check that the webhook URL is reachable.
// GET /api/webhooks/test
func (h *Handler) webhookTest(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"message":   "Webhook endpoint is working",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type projectView struct {
	model.Project
	RemainingBudget float64 `json:"remaining_budget"`
}

// getProject returns a project with its ledger.
// GET /v1/projects/{id}
func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, projectView{Project: project, RemainingBudget: project.RemainingBudget()})
}

// getProjectPushes lists a project's push events, newest first.
// GET /v1/projects/{id}/pushes?limit=N
func (h *Handler) getProjectPushes(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}

	pushes, err := h.db.ListPushEventsByProject(r.Context(), database.ListPushEventsByProjectParams{
		ProjectID: project.ProjectID,
		Limit:     int32(limit),
	})
	if err != nil {
		h.logger.Error("Failed to list push events", "project_id", project.ProjectID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if pushes == nil {
		pushes = []model.PushEvent{}
	}
	respondWithJSON(w, http.StatusOK, pushes)
}

// getProjectAnalyses lists a project's analyses, newest first.
// GET /v1/projects/{id}/analyses?limit=N
func (h *Handler) getProjectAnalyses(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}

	analyses, err := h.db.ListCommitAnalysesByProject(r.Context(), database.ListCommitAnalysesByProjectParams{
		ProjectID: project.ProjectID,
		Limit:     int32(limit),
	})
	if err != nil {
		h.logger.Error("Failed to list analyses", "project_id", project.ProjectID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if analyses == nil {
		analyses = []model.CommitAnalysis{}
	}
	respondWithJSON(w, http.StatusOK, analyses)
}

// createProjectWebhook installs the push webhook on the project's repository.
// POST /v1/projects/{id}/webhook
func (h *Handler) createProjectWebhook(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		respondWithError(w, http.StatusServiceUnavailable, "GitHub App is not configured")
		return
	}
	if h.callbackURL == "" {
		respondWithError(w, http.StatusServiceUnavailable, "Webhook callback URL is not configured")
		return
	}
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	installationID, err := model.ParseInstallationID(project.InstallationID)
	if err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "Project has no valid GitHub App installation")
		return
	}

	hook, err := h.github.CreateWebhook(r.Context(), installationID, project.RepoOwner, project.RepoName, h.callbackURL, h.secret)
	if err != nil {
		h.logger.Error("Failed to create webhook", "project_id", project.ProjectID, "error", err)
		respondWithError(w, http.StatusBadGateway, "Failed to create webhook on GitHub")
		return
	}
	respondWithJSON(w, http.StatusCreated, hook)
}

// getPush returns one push event with its enriched commits.
// GET /v1/pushes/{id}
func (h *Handler) getPush(w http.ResponseWriter, r *http.Request) {
	push, err := h.db.GetPushEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Push event not found")
			return
		}
		h.logger.Error("Failed to get push event", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, push)
}

// getInstallationRepos lists repositories the GitHub App can see.
// GET /v1/installations/{id}/repositories
func (h *Handler) getInstallationRepos(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		respondWithError(w, http.StatusServiceUnavailable, "GitHub App is not configured")
		return
	}
	installationID, err := model.ParseInstallationID(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid installation id")
		return
	}

	repos, err := h.github.ListAccessibleRepositories(r.Context(), installationID)
	if err != nil {
		h.logger.Error("Failed to list installation repositories", "installation_id", installationID, "error", err)
		respondWithError(w, http.StatusBadGateway, "Failed to list repositories from GitHub")
		return
	}
	if repos == nil {
		repos = []model.RepoSummary{}
	}
	respondWithJSON(w, http.StatusOK, repos)
}

// getQueue reports pushes currently queued or being analyzed.
// GET /v1/queue
func (h *Handler) getQueue(w http.ResponseWriter, r *http.Request) {
	ids := h.queue.InFlight()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"in_flight": ids,
		"count":     len(ids),
	})
}

func (h *Handler) loadProject(w http.ResponseWriter, r *http.Request) (model.Project, bool) {
	project, err := h.db.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Project not found")
			return model.Project{}, false
		}
		h.logger.Error("Failed to get project", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return model.Project{}, false
	}
	return project, true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		limitStr = "50" // Default limit
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > 100 {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 100.")
		return 0, false
	}
	return limit, true
}
