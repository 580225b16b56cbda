package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemarcinu/new-egents/internal/models"
)

func TestWorker_LostWorkerRequeuesJob(t *testing.T) {
	h := newHarness(t)
	r := h.upload(t, receiptPNG(t))
	ctx := context.Background()

	jobID, err := h.service.Submit(ctx, r.ID)
	require.NoError(t, err)

	// claimed by a worker that never reports back
	claimed, err := h.store.ClaimDueJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, h.worker.ReapStale(ctx))
	job, err := h.store.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, job.State, "a fresh run is not stale yet")

	h.clock.Advance(time.Hour)
	require.NoError(t, h.worker.ReapStale(ctx))
	job, err = h.store.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRetrying, job.State)
	assert.Equal(t, 1, job.Attempt, "the lost attempt still counts")

	processed, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, models.StepDone, h.receipt(t, r.ID).ProcessingStep)

	job, err = h.store.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, job.State)
	assert.Equal(t, 2, job.Attempt)
}

func TestWorker_LostWorkersExhaustAttempts(t *testing.T) {
	h := newHarness(t)
	r := h.upload(t, receiptPNG(t))
	ctx := context.Background()

	jobID, err := h.service.Submit(ctx, r.ID)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := h.store.ClaimDueJob(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed, "claim %d", attempt)
		assert.Equal(t, attempt, claimed.Attempt)

		h.clock.Advance(time.Hour)
		require.NoError(t, h.worker.ReapStale(ctx))
	}

	job, err := h.store.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.Equal(t, 3, job.Attempt)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "worker lost")

	claimed, err := h.store.ClaimDueJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed, "an exhausted job is never handed out again")

	got := h.receipt(t, r.ID)
	assert.Equal(t, models.ReceiptStatusError, got.Status)
	assert.Equal(t, models.StepFailed, got.ProcessingStep)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "attempt 3 of 3")

	_, err = h.service.Submit(ctx, r.ID)
	assert.ErrorIs(t, err, ErrReceiptFinished)
}

func TestWorker_ClaimSkipsJobsWithoutAttemptsLeft(t *testing.T) {
	h := newHarness(t)
	r := h.upload(t, receiptPNG(t))
	ctx := context.Background()

	job, err := h.store.CreateJob(ctx, "", r.ID, 1)
	require.NoError(t, err)
	claimed, err := h.store.ClaimDueJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// put back without giving the attempt back
	require.NoError(t, h.store.ScheduleRetry(ctx, job.ID, h.clock.Now(), "boom"))

	processed, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}
