package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guideline-ingest/internal/models"
)

// newTestStore connects to TEST_DATABASE_URL and applies migrations, skipping when unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func TestStoreJobLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	eventID := uuid.NewString()

	job, err := st.CreateJob(ctx, eventID, "Always wear a helmet.")
	require.NoError(t, err)
	assert.NotZero(t, job.ID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Nil(t, job.Summary)
	assert.Nil(t, job.ErrorMessage)

	require.NoError(t, st.UpdateJobStatus(ctx, eventID, models.StatusProcessing))
	require.NoError(t, st.UpdateJobResult(ctx, eventID, "summary", "checklist"))

	got, found, err := st.GetJobByEventID(ctx, eventID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.Summary)
	require.NotNil(t, got.Checklist)
	assert.Equal(t, "summary", *got.Summary)
	assert.Equal(t, "checklist", *got.Checklist)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	err = st.UpdateJobError(ctx, eventID, "late failure")
	assert.ErrorIs(t, err, ErrNoTransition, "completed is terminal")
	err = st.UpdateJobStatus(ctx, eventID, models.StatusProcessing)
	assert.ErrorIs(t, err, ErrNoTransition, "completed is terminal")
}

func TestStoreFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	eventID := uuid.NewString()

	_, err := st.CreateJob(ctx, eventID, "text")
	require.NoError(t, err)
	require.NoError(t, st.UpdateJobError(ctx, eventID, "OpenAI API error"))

	got, found, err := st.GetJobByEventID(ctx, eventID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "OpenAI API error", *got.ErrorMessage)
	assert.Nil(t, got.Summary)

	assert.ErrorIs(t, st.UpdateJobResult(ctx, eventID, "s", "c"), ErrNoTransition)
}

func TestStoreDuplicateEventID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	eventID := uuid.NewString()

	_, err := st.CreateJob(ctx, eventID, "first")
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, eventID, "second")
	assert.ErrorIs(t, err, ErrDuplicateEventID)
}

func TestStoreMissingJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, found, err := st.GetJobByEventID(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, found)

	assert.ErrorIs(t, st.UpdateJobStatus(ctx, uuid.NewString(), models.StatusProcessing), ErrNoTransition)
}

func TestStoreRejectsTerminalStatusWithoutOutcome(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateJobStatus(context.Background(), uuid.NewString(), models.StatusCompleted)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoTransition)
}

func TestStoreListStalePending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	eventID := uuid.NewString()

	_, err := st.CreateJob(ctx, eventID, "stale")
	require.NoError(t, err)

	jobs, err := st.ListStalePending(ctx, -time.Minute, 1000)
	require.NoError(t, err)
	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.EventID)
	}
	assert.Contains(t, ids, eventID)

	jobs, err = st.ListStalePending(ctx, time.Hour, 1000)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotEqual(t, eventID, j.EventID)
	}
}

func TestStoreCloseIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	st.Close()
	st.Close()
}
