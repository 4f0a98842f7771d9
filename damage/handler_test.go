package damage

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stormlinehq/stormline/errors"
	stormtest "github.com/stormlinehq/stormline/internal/testing"
	"github.com/stormlinehq/stormline/queue"
)

// stubClient returns canned analyses keyed by photo URL.
type stubClient struct {
	analyses map[string]*Analysis
	err      error
	calls    int
}

func (c *stubClient) AnalyzePhoto(ctx context.Context, photoURL string) (*Analysis, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	a, ok := c.analyses[photoURL]
	if !ok {
		return nil, errors.Newf("unexpected photo in test: %s", photoURL)
	}
	return a, nil
}

// claimedContext enqueues and claims a job so the handler runs under a real
// lease, the same way the worker pool invokes it.
func claimedContext(t *testing.T, db *sql.DB, payload any) *queue.JobContext {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	q := queue.NewQueue(db)
	_, err = q.Enqueue(JobType, raw, queue.EnqueueOptions{})
	require.NoError(t, err)

	store := queue.NewStore(db)
	jobs, err := store.ClaimNext("test-worker", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	return queue.NewJobContext(jobs[0], zap.NewNop().Sugar(), store, "test-worker", time.Minute)
}

func TestAnalyzeHandlerRecordsFindings(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	findings := NewFindingStore(db)

	client := &stubClient{analyses: map[string]*Analysis{
		"https://photos/roof-1.jpg": {Severity: "severe", DamageType: "hail", Confidence: 0.93},
		"https://photos/roof-2.jpg": {Severity: "minor", DamageType: "wind", Confidence: 0.71, Notes: "lifted shingles"},
	}}
	h := NewAnalyzeHandler(client, findings)
	assert.Equal(t, JobType, h.Name())

	jc := claimedContext(t, db, AnalyzePayload{
		ClaimID:   "claim-7",
		PhotoURLs: []string{"https://photos/roof-1.jpg", "https://photos/roof-2.jpg"},
	})

	raw, err := h.Execute(context.Background(), jc)
	require.NoError(t, err)

	var result AnalyzeResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "claim-7", result.ClaimID)
	assert.Equal(t, 2, result.PhotosAnalyzed)
	assert.Equal(t, 1, result.SevereCount)

	got, err := findings.ListByClaim("claim-7")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hail", got[0].DamageType)
	assert.Equal(t, "lifted shingles", got[1].Notes)
	assert.Equal(t, jc.Job.ID, got[0].JobID)
}

// A retried job re-analyzes already-recorded photos. The upsert keeps one
// finding per (claim, photo) and the new verdict wins.
func TestAnalyzeHandlerRerunOverwritesFindings(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	findings := NewFindingStore(db)

	client := &stubClient{analyses: map[string]*Analysis{
		"https://photos/roof-1.jpg": {Severity: "minor", DamageType: "wind", Confidence: 0.5},
	}}
	h := NewAnalyzeHandler(client, findings)

	payload := AnalyzePayload{ClaimID: "claim-7", PhotoURLs: []string{"https://photos/roof-1.jpg"}}

	jc := claimedContext(t, db, payload)
	_, err := h.Execute(context.Background(), jc)
	require.NoError(t, err)

	// Second pass: the model got a better look.
	client.analyses["https://photos/roof-1.jpg"] = &Analysis{Severity: "severe", DamageType: "hail", Confidence: 0.97}
	jc = claimedContext(t, db, payload)
	_, err = h.Execute(context.Background(), jc)
	require.NoError(t, err)

	got, err := findings.ListByClaim("claim-7")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "severe", got[0].Severity)
	assert.Equal(t, 0.97, got[0].Confidence)
}

func TestAnalyzeHandlerInvalidPayloadIsPermanent(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	h := NewAnalyzeHandler(&stubClient{}, NewFindingStore(db))

	jc := claimedContext(t, db, AnalyzePayload{ClaimID: "", PhotoURLs: []string{"x"}})
	_, err := h.Execute(context.Background(), jc)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err), "bad payloads must not be retried")
}

func TestAnalyzeHandlerClientErrorIsRetryable(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	client := &stubClient{err: errors.New("vision API error: 503 Service Unavailable")}
	h := NewAnalyzeHandler(client, NewFindingStore(db))

	jc := claimedContext(t, db, AnalyzePayload{
		ClaimID:   "claim-7",
		PhotoURLs: []string{"https://photos/roof-1.jpg"},
	})
	_, err := h.Execute(context.Background(), jc)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}

func TestAnalyzeHandlerPermanentRejectionPropagates(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	client := &stubClient{err: queue.Permanent(errors.New("vision API rejected photo: 400 Bad Request"))}
	h := NewAnalyzeHandler(client, NewFindingStore(db))

	jc := claimedContext(t, db, AnalyzePayload{
		ClaimID:   "claim-7",
		PhotoURLs: []string{"https://photos/bad.jpg"},
	})
	_, err := h.Execute(context.Background(), jc)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err), "rejection classification must survive wrapping")
}

func TestAnalyzeHandlerStopsOnCancelledContext(t *testing.T) {
	db := stormtest.CreateTestDB(t)
	client := &stubClient{analyses: map[string]*Analysis{
		"https://photos/roof-1.jpg": {Severity: "minor", DamageType: "wind", Confidence: 0.5},
	}}
	h := NewAnalyzeHandler(client, NewFindingStore(db))

	jc := claimedContext(t, db, AnalyzePayload{
		ClaimID:   "claim-7",
		PhotoURLs: []string{"https://photos/roof-1.jpg"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Execute(ctx, jc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, client.calls, "no vision calls after shutdown")
}
