// internal/github/client_test.go
package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v62/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAppID          = "12345"
	testInstallationID = int64(42)
	testToken          = "ghs_installation_token"
)

var testKey *rsa.PrivateKey

func TestMain(m *testing.M) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	testKey = key
	baseBackoff = time.Millisecond
	os.Exit(m.Run())
}

type testServer struct {
	*httptest.Server
	tokenRequests int32
	lastAppJWT    atomic.Value
}

// setupTestClient creates a httptest server that issues installation tokens
// and delegates every other request to handler.
func setupTestClient(t *testing.T, handler http.Handler) (*AppClient, *testServer) {
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == fmt.Sprintf("/app/installations/%d/access_tokens", testInstallationID) {
			atomic.AddInt32(&ts.tokenRequests, 1)
			ts.lastAppJWT.Store(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"token": %q, "expires_at": %q}`, testToken, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
			return
		}
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client, err := NewAppClient(AppConfig{AppID: testAppID, PrivateKey: testKey, BaseURL: ts.URL}, NewTokenCache(), logger)
	require.NoError(t, err)
	return client, ts
}

const commitJSON = `{
	"sha": "abc123",
	"commit": {"author": {"name": "Dev One", "date": "2024-05-01T10:00:00Z"}, "message": "feat: add parser"},
	"author": {"login": "dev1"},
	"stats": {"additions": 30, "deletions": 5, "total": 35},
	"files": [
		{"filename": "parser.go", "status": "added", "additions": 25, "deletions": 0, "patch": "@@ -0,0 +1 @@\n+package parser"},
		{"filename": "main.go", "status": "modified", "additions": 5, "deletions": 5}
	]
}`

func isDiffRequest(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "diff")
}

func TestAppClient_FetchCommitDetail(t *testing.T) {
	t.Run("translates commit and diff", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/repos/acme/widgets/commits/abc123", r.URL.Path)
			if isDiffRequest(r) {
				fmt.Fprint(w, "diff --git a/parser.go b/parser.go")
				return
			}
			fmt.Fprint(w, commitJSON)
		})
		client, _ := setupTestClient(t, handler)

		detail, err := client.FetchCommitDetail(context.Background(), testInstallationID, "acme", "widgets", "abc123")

		require.NoError(t, err)
		assert.Equal(t, "abc123", detail.SHA)
		assert.Equal(t, "Dev One", detail.Author)
		assert.Equal(t, "dev1", detail.AuthorLogin)
		assert.Equal(t, "feat: add parser", detail.Message)
		assert.Equal(t, 30, detail.Additions)
		assert.Equal(t, 5, detail.Deletions)
		assert.Equal(t, 35, detail.LinesChanged())
		require.Len(t, detail.FilesChanged, 2)
		assert.Equal(t, "parser.go", detail.FilesChanged[0].Filename)
		assert.Equal(t, "added", detail.FilesChanged[0].Status)
		assert.Equal(t, "diff --git a/parser.go b/parser.go", detail.Diff)
		assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), detail.Timestamp.UTC())
	})

	t.Run("falls back to file patches when the diff is unavailable", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isDiffRequest(r) {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message": "Not Found"}`)
				return
			}
			fmt.Fprint(w, commitJSON)
		})
		client, _ := setupTestClient(t, handler)

		detail, err := client.FetchCommitDetail(context.Background(), testInstallationID, "acme", "widgets", "abc123")

		require.NoError(t, err)
		assert.Contains(t, detail.Diff, "+++ b/parser.go")
		assert.Contains(t, detail.Diff, "+package parser")
		assert.NotContains(t, detail.Diff, "main.go")
	})
}

func TestAppClient_Retry(t *testing.T) {
	t.Run("succeeds on first try", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isDiffRequest(r) {
				atomic.AddInt32(&requestCount, 1)
			}
			fmt.Fprint(w, commitJSON)
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.FetchCommitDetail(context.Background(), testInstallationID, "acme", "widgets", "abc123")

		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
	})

	t.Run("retries on 503 server error and succeeds", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isDiffRequest(r) {
				fmt.Fprint(w, "diff")
				return
			}
			count := atomic.AddInt32(&requestCount, 1)
			if count == 1 {
				w.WriteHeader(http.StatusServiceUnavailable) // Fail first time
				return
			}
			fmt.Fprint(w, commitJSON) // Succeed second time
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.FetchCommitDetail(context.Background(), testInstallationID, "acme", "widgets", "abc123")

		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount), "should have made two requests")
	})

	t.Run("handles rate limit error", func(t *testing.T) {
		if testing.Short() {
			t.Skip("waits for a rate limit reset")
		}
		var requestCount int32
		resetTime := time.Now().Add(2 * time.Second)
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isDiffRequest(r) {
				fmt.Fprint(w, "diff")
				return
			}
			count := atomic.AddInt32(&requestCount, 1)
			if count == 1 {
				w.Header().Set("X-RateLimit-Limit", "5000")
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime.Unix()))
				w.WriteHeader(http.StatusForbidden) // RateLimitError is a 403
				fmt.Fprint(w, `{"message": "API rate limit exceeded"}`)
				return
			}
			fmt.Fprint(w, commitJSON)
		})
		client, _ := setupTestClient(t, handler)

		startTime := time.Now()
		_, err := client.FetchCommitDetail(context.Background(), testInstallationID, "acme", "widgets", "abc123")
		elapsed := time.Since(startTime)

		require.NoError(t, err)
		assert.GreaterOrEqual(t, elapsed, time.Second, "client should wait for rate limit reset")
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount))
	})

	t.Run("fails after max retries on persistent server error", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusInternalServerError)
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.FetchCommitDetail(context.Background(), testInstallationID, "acme", "widgets", "abc123")

		require.Error(t, err)
		var ghErr *github.ErrorResponse
		assert.ErrorAs(t, err, &ghErr)
		assert.Equal(t, http.StatusInternalServerError, ghErr.Response.StatusCode)
		assert.Equal(t, int32(maxRetries), atomic.LoadInt32(&requestCount))
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message": "No commit found for SHA"}`)
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.FetchCommitDetail(context.Background(), testInstallationID, "acme", "widgets", "nope")

		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
	})
}

func TestAppClient_InstallationTokens(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, commitJSON)
	})
	client, ts := setupTestClient(t, handler)
	ctx := context.Background()

	_, err := client.FetchCommitDetail(ctx, testInstallationID, "acme", "widgets", "abc123")
	require.NoError(t, err)
	_, err = client.FetchCommitDetail(ctx, testInstallationID, "acme", "widgets", "def456")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&ts.tokenRequests), "installation token should be cached")

	t.Run("app JWT is signed with the app key", func(t *testing.T) {
		raw, _ := ts.lastAppJWT.Load().(string)
		require.NotEmpty(t, raw)

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
			return &testKey.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		require.NoError(t, err)
		assert.True(t, token.Valid)
		assert.Equal(t, testAppID, claims.Issuer)
		assert.WithinDuration(t, time.Now().Add(-jwtBackdate), claims.IssuedAt.Time, 5*time.Second)
		assert.WithinDuration(t, time.Now().Add(jwtLifetime), claims.ExpiresAt.Time, 5*time.Second)
	})

	t.Run("unauthorized responses drop the cached token", func(t *testing.T) {
		cache := NewTokenCache()
		cache.Set(testInstallationID, InstallationToken{Token: testToken, ExpiresAt: time.Now().Add(time.Hour)})
		c := &AppClient{tokens: cache}

		c.dropTokenOnAuthError(testInstallationID, &github.ErrorResponse{Response: &http.Response{StatusCode: http.StatusUnauthorized}})

		_, ok := cache.Get(testInstallationID)
		assert.False(t, ok)
	})
}

func TestAppClient_ListAccessibleRepositories(t *testing.T) {
	var pages int32
	var serverURL string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/installation/repositories", r.URL.Path)
		atomic.AddInt32(&pages, 1)
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"total_count": 2, "repositories": [{"id": 2, "name": "b", "full_name": "acme/b", "owner": {"login": "acme"}}]}`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/installation/repositories?page=2>; rel="next"`, serverURL))
		fmt.Fprint(w, `{"total_count": 2, "repositories": [{"id": 1, "name": "a", "full_name": "acme/a", "private": true, "owner": {"login": "acme"}, "default_branch": "main"}]}`)
	})
	client, ts := setupTestClient(t, handler)
	serverURL = ts.URL

	repos, err := client.ListAccessibleRepositories(context.Background(), testInstallationID)

	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&pages))
	assert.Equal(t, "acme/a", repos[0].FullName)
	assert.True(t, repos[0].Private)
	assert.Equal(t, "main", repos[0].DefaultBranch)
	assert.Equal(t, int64(2), repos[1].GithubRepoID)
	assert.Equal(t, "acme", repos[1].Owner)
}

func TestAppClient_CreateWebhook(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/widgets/hooks", r.URL.Path)

		var body struct {
			Name   string            `json:"name"`
			Events []string          `json:"events"`
			Active bool              `json:"active"`
			Config map[string]string `json:"config"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "web", body.Name)
		assert.Equal(t, []string{"push"}, body.Events)
		assert.Equal(t, "https://hooks.example.com/api/webhooks/github", body.Config["url"])
		assert.Equal(t, "json", body.Config["content_type"])
		assert.Equal(t, "s3cr3t", body.Config["secret"])
		assert.Equal(t, "0", body.Config["insecure_ssl"])
		assert.True(t, body.Active)

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 99, "url": "https://api.github.com/repos/acme/widgets/hooks/99", "events": ["push"], "active": true}`)
	})
	client, _ := setupTestClient(t, handler)

	ref, err := client.CreateWebhook(context.Background(), testInstallationID, "acme", "widgets", "https://hooks.example.com/api/webhooks/github", "s3cr3t")

	require.NoError(t, err)
	assert.Equal(t, int64(99), ref.ID)
	assert.True(t, ref.Active)
	assert.Equal(t, []string{"push"}, ref.Events)
}

func TestTokenCache(t *testing.T) {
	c := NewTokenCache()

	c.Set(1, InstallationToken{Token: "fresh", ExpiresAt: time.Now().Add(time.Hour)})
	tok, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "fresh", tok.Token)

	c.Set(2, InstallationToken{Token: "nearly-expired", ExpiresAt: time.Now().Add(tokenRefreshMargin / 2)})
	_, ok = c.Get(2)
	assert.False(t, ok, "tokens inside the refresh margin are not cached")

	_, ok = c.Get(3)
	assert.False(t, ok)
}
