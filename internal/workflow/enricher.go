// internal/workflow/enricher.go
package workflow

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	custom_errors "github-payout-service/internal/errors"
	"github-payout-service/internal/model"
)

// CommitFetcher is the part of the GitHub client the enricher needs.
type CommitFetcher interface {
	FetchCommitDetail(ctx context.Context, installationID int64, owner, repo, sha string) (model.CommitDetail, error)
}

// Enricher fetches full commit details for attributed commits.
type Enricher struct {
	fetcher CommitFetcher
	limit   int
	logger  *slog.Logger
}

// NewEnricher creates an enricher running at most limit fetches at once.
// A nil fetcher makes every fetch fail.
func NewEnricher(fetcher CommitFetcher, limit int, logger *slog.Logger) *Enricher {
	if limit < 1 {
		limit = 1
	}
	return &Enricher{
		fetcher: fetcher,
		limit:   limit,
		logger:  logger.With("component", "enricher"),
	}
}

// Enrich returns the details of every commit that could be fetched, in the
// order of shas. Commits that fail are skipped and listed in a returned
// *ErrPartialEnrichment; the details slice is valid either way.
func (e *Enricher) Enrich(ctx context.Context, installationID int64, owner, repo string, shas []string) ([]model.CommitDetail, error) {
	logger := e.logger.With("repo", owner+"/"+repo)
	if e.fetcher == nil {
		logger.Warn("No GitHub client configured, skipping commit enrichment", "commits", len(shas))
		return nil, &custom_errors.ErrPartialEnrichment{Failed: append([]string(nil), shas...)}
	}

	slots := make([]*model.CommitDetail, len(shas))

	var g errgroup.Group
	g.SetLimit(e.limit)
	for i, sha := range shas {
		i, sha := i, sha
		g.Go(func() error {
			detail, err := e.fetcher.FetchCommitDetail(ctx, installationID, owner, repo, sha)
			if err != nil {
				logger.Warn("Failed to fetch commit details", "sha", sha, "error", err)
				return nil
			}
			slots[i] = &detail
			return nil
		})
	}
	_ = g.Wait()

	details := make([]model.CommitDetail, 0, len(shas))
	var failed []string
	for i, d := range slots {
		if d == nil {
			failed = append(failed, shas[i])
			continue
		}
		details = append(details, *d)
	}

	logger.Info("Commit enrichment finished", "fetched", len(details), "failed", len(failed))
	if len(failed) > 0 {
		return details, &custom_errors.ErrPartialEnrichment{Failed: failed}
	}
	return details, nil
}
