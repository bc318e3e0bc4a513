// internal/github/client.go
package github

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github-payout-service/internal/model"
)

const (
	// App JWTs are backdated to absorb clock drift and live for five minutes.
	jwtBackdate = 60 * time.Second
	jwtLifetime = 5 * time.Minute

	maxRetries       = 3
	maxRateLimitWait = time.Minute
)

// baseBackoff is the first delay between retries of a failed server call.
var baseBackoff = 200 * time.Millisecond

// AppConfig identifies the GitHub App the service acts as.
type AppConfig struct {
	AppID      string
	PrivateKey *rsa.PrivateKey
	// BaseURL overrides https://api.github.com/ when set.
	BaseURL string
}

// AppClient talks to GitHub as a GitHub App, exchanging the App JWT for
// per-installation tokens.
type AppClient struct {
	appID      string
	privateKey *rsa.PrivateKey
	baseURL    *url.URL
	tokens     *TokenCache
	logger     *slog.Logger
	appSource  oauth2.TokenSource
}

// LoadPrivateKey reads a PEM encoded RSA private key from disk.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read GitHub App private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GitHub App private key: %w", err)
	}
	return key, nil
}

// NewAppClient creates and configures a new AppClient instance.
func NewAppClient(cfg AppConfig, tokens *TokenCache, logger *slog.Logger) (*AppClient, error) {
	if cfg.AppID == "" || cfg.PrivateKey == nil {
		return nil, errors.New("github app id and private key are required")
	}
	c := &AppClient{
		appID:      cfg.AppID,
		privateKey: cfg.PrivateKey,
		tokens:     tokens,
		logger:     logger.With("component", "github"),
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API url: %w", err)
		}
		c.baseURL = u
	}
	c.appSource = oauth2.ReuseTokenSource(nil, appTokenSource{client: c})
	return c, nil
}

// appTokenSource mints App JWTs.
type appTokenSource struct {
	client *AppClient
}

func (s appTokenSource) Token() (*oauth2.Token, error) {
	now := time.Now()
	expires := now.Add(jwtLifetime)
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-jwtBackdate)),
		ExpiresAt: jwt.NewNumericDate(expires),
		Issuer:    s.client.appID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.client.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign app JWT: %w", err)
	}
	// Refresh a little before GitHub would reject the token.
	return &oauth2.Token{AccessToken: signed, TokenType: "Bearer", Expiry: expires.Add(-30 * time.Second)}, nil
}

// installationTokenSource serves installation tokens from the cache, minting
// a new one through the App when the cached token is missing or expired.
type installationTokenSource struct {
	ctx            context.Context
	client         *AppClient
	installationID int64
}

func (s installationTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.client.installationToken(s.ctx, s.installationID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok.Token, TokenType: "Bearer", Expiry: tok.ExpiresAt}, nil
}

func (c *AppClient) newGitHubClient(ctx context.Context, ts oauth2.TokenSource) *github.Client {
	gh := github.NewClient(oauth2.NewClient(ctx, ts))
	if c.baseURL != nil {
		gh.BaseURL = c.baseURL
	}
	return gh
}

func (c *AppClient) appClient(ctx context.Context) *github.Client {
	return c.newGitHubClient(ctx, c.appSource)
}

func (c *AppClient) installationClient(ctx context.Context, installationID int64) *github.Client {
	return c.newGitHubClient(ctx, installationTokenSource{ctx: ctx, client: c, installationID: installationID})
}

func (c *AppClient) installationToken(ctx context.Context, installationID int64) (InstallationToken, error) {
	if tok, ok := c.tokens.Get(installationID); ok {
		return tok, nil
	}

	c.logger.Debug("Requesting installation token", "installation_id", installationID)
	tok, _, err := withRetry(ctx, c.logger, func() (*github.InstallationToken, *github.Response, error) {
		return c.appClient(ctx).Apps.CreateInstallationToken(ctx, installationID, nil)
	})
	if err != nil {
		return InstallationToken{}, fmt.Errorf("failed to create installation token: %w", err)
	}

	it := InstallationToken{Token: tok.GetToken(), ExpiresAt: tok.GetExpiresAt().Time}
	c.tokens.Set(installationID, it)
	return it, nil
}

// ListAccessibleRepositories lists every repository the installation can access.
// It handles API pagination transparently.
func (c *AppClient) ListAccessibleRepositories(ctx context.Context, installationID int64) ([]model.RepoSummary, error) {
	gh := c.installationClient(ctx, installationID)
	opts := &github.ListOptions{PerPage: 100}

	var all []model.RepoSummary
	for {
		c.logger.Debug("Fetching installation repositories page", "installation_id", installationID, "page", opts.Page)

		list, resp, err := withRetry(ctx, c.logger, func() (*github.ListRepositories, *github.Response, error) {
			return gh.Apps.ListRepos(ctx, opts)
		})
		if err != nil {
			c.dropTokenOnAuthError(installationID, err)
			return nil, err
		}
		for _, r := range list.Repositories {
			all = append(all, toRepoSummary(r))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// FetchCommitDetail fetches a commit with its stats, file list and unified diff.
func (c *AppClient) FetchCommitDetail(ctx context.Context, installationID int64, owner, repo, sha string) (model.CommitDetail, error) {
	gh := c.installationClient(ctx, installationID)
	logger := c.logger.With("owner", owner, "repo", repo, "sha", sha)

	commit, _, err := withRetry(ctx, logger, func() (*github.RepositoryCommit, *github.Response, error) {
		return gh.Repositories.GetCommit(ctx, owner, repo, sha, nil)
	})
	if err != nil {
		c.dropTokenOnAuthError(installationID, err)
		return model.CommitDetail{}, fmt.Errorf("failed to fetch commit %s: %w", sha, err)
	}
	detail := toCommitDetail(commit)

	diff, _, err := withRetry(ctx, logger, func() (string, *github.Response, error) {
		return gh.Repositories.GetCommitRaw(ctx, owner, repo, sha, github.RawOptions{Type: github.Diff})
	})
	if err != nil {
		logger.Warn("Failed to fetch commit diff, using file patches", "error", err)
		diff = patchesOf(commit)
	}
	detail.Diff = diff
	return detail, nil
}

// CreateWebhook registers a JSON push webhook on the repository.
func (c *AppClient) CreateWebhook(ctx context.Context, installationID int64, owner, repo, callbackURL, secret string) (model.WebhookRef, error) {
	gh := c.installationClient(ctx, installationID)
	newHook := &github.Hook{
		Events: []string{"push"},
		Active: github.Bool(true),
		Config: &github.HookConfig{
			URL:         github.String(callbackURL),
			ContentType: github.String("json"),
			Secret:      github.String(secret),
			InsecureSSL: github.String("0"),
		},
	}

	hook, _, err := withRetry(ctx, c.logger, func() (*github.Hook, *github.Response, error) {
		return gh.Repositories.CreateHook(ctx, owner, repo, newHook)
	})
	if err != nil {
		return model.WebhookRef{}, fmt.Errorf("failed to create webhook on %s/%s: %w", owner, repo, err)
	}

	c.logger.Info("Created repository webhook", "owner", owner, "repo", repo, "hook_id", hook.GetID())
	return model.WebhookRef{
		ID:     hook.GetID(),
		URL:    hook.GetURL(),
		Events: hook.Events,
		Active: hook.GetActive(),
	}, nil
}

// dropTokenOnAuthError forgets a cached token GitHub no longer accepts.
func (c *AppClient) dropTokenOnAuthError(installationID int64, err error) {
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate(installationID)
	}
}

// withRetry runs fn up to maxRetries times. Server errors are retried with
// exponential backoff; rate limit errors wait for the advertised reset.
func withRetry[T any](ctx context.Context, logger *slog.Logger, fn func() (T, *github.Response, error)) (T, *github.Response, error) {
	var (
		result T
		resp   *github.Response
		err    error
	)
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, resp, err = fn()
		if err == nil {
			return result, resp, nil
		}
		if attempt == maxRetries {
			break
		}

		wait, retryable := retryDelay(err, attempt)
		if !retryable {
			return result, resp, err
		}
		logger.Warn("GitHub request failed, retrying", "attempt", attempt, "wait", wait.String(), "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, resp, ctx.Err()
		case <-timer.C:
		}
	}
	return result, resp, err
}

func retryDelay(err error, attempt int) (time.Duration, bool) {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time) + 100*time.Millisecond
		if wait < 0 {
			wait = 0
		}
		return wait, wait <= maxRateLimitWait
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		wait := abuseErr.GetRetryAfter()
		if wait <= 0 {
			wait = baseBackoff
		}
		return wait, wait <= maxRateLimitWait
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode >= http.StatusInternalServerError {
		return baseBackoff * time.Duration(1<<(attempt-1)), true
	}
	return 0, false
}

// toCommitDetail translates a github.RepositoryCommit to our internal model.CommitDetail.
func toCommitDetail(c *github.RepositoryCommit) model.CommitDetail {
	files := make([]model.FileChange, 0, len(c.Files))
	for _, f := range c.Files {
		files = append(files, model.FileChange{
			Filename:  f.GetFilename(),
			Status:    f.GetStatus(),
			Additions: f.GetAdditions(),
			Deletions: f.GetDeletions(),
		})
	}
	return model.CommitDetail{
		SHA:          c.GetSHA(),
		Author:       c.GetCommit().GetAuthor().GetName(),
		AuthorLogin:  c.GetAuthor().GetLogin(),
		Message:      c.GetCommit().GetMessage(),
		Timestamp:    c.GetCommit().GetAuthor().GetDate().Time,
		Additions:    c.GetStats().GetAdditions(),
		Deletions:    c.GetStats().GetDeletions(),
		FilesChanged: files,
	}
}

func toRepoSummary(r *github.Repository) model.RepoSummary {
	return model.RepoSummary{
		GithubRepoID:  r.GetID(),
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		Private:       r.GetPrivate(),
		URL:           r.GetHTMLURL(),
		DefaultBranch: r.GetDefaultBranch(),
	}
}

func patchesOf(c *github.RepositoryCommit) string {
	var b strings.Builder
	for _, f := range c.Files {
		if f.GetPatch() == "" {
			continue
		}
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n%s\n", f.GetFilename(), f.GetFilename(), f.GetPatch())
	}
	return b.String()
}
