// internal/workflow/enricher_test.go
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "github-payout-service/internal/errors"
	"github-payout-service/internal/model"
)

type slowFetcher struct {
	active, peak int32
	fail         string
}

func (f *slowFetcher) FetchCommitDetail(ctx context.Context, installationID int64, owner, repo, sha string) (model.CommitDetail, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		peak := atomic.LoadInt32(&f.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&f.peak, peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	if sha == f.fail {
		return model.CommitDetail{}, errors.New("boom")
	}
	return model.CommitDetail{SHA: sha}, nil
}

func TestEnricher_PreservesOrderAndBoundsConcurrency(t *testing.T) {
	fetcher := &slowFetcher{}
	e := NewEnricher(fetcher, 2, discardLogger())

	shas := make([]string, 8)
	for i := range shas {
		shas[i] = fmt.Sprintf("sha%d", i)
	}

	details, err := e.Enrich(context.Background(), 42, "acme", "widgets", shas)
	require.NoError(t, err)
	require.Len(t, details, len(shas))
	for i, d := range details {
		assert.Equal(t, shas[i], d.SHA)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&fetcher.peak), int32(2))
}

func TestEnricher_SkipsFailedCommits(t *testing.T) {
	e := NewEnricher(&slowFetcher{fail: "sha1"}, 4, discardLogger())

	details, err := e.Enrich(context.Background(), 42, "acme", "widgets", []string{"sha0", "sha1", "sha2"})
	require.Error(t, err)

	var partial *custom_errors.ErrPartialEnrichment
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, []string{"sha1"}, partial.Failed)

	require.Len(t, details, 2)
	assert.Equal(t, "sha0", details[0].SHA)
	assert.Equal(t, "sha2", details[1].SHA)
}

func TestEnricher_NoFetcher(t *testing.T) {
	e := NewEnricher(nil, 4, discardLogger())

	details, err := e.Enrich(context.Background(), 42, "acme", "widgets", []string{"a", "b"})
	assert.Empty(t, details)

	var partial *custom_errors.ErrPartialEnrichment
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, []string{"a", "b"}, partial.Failed)
}
