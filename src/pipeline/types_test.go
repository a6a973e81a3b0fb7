package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordbridge/recordbridge/src/mapping"
	"github.com/recordbridge/recordbridge/src/progress"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusDraft, StatusExtracting, true},
		{StatusDraft, StatusCancelled, true},
		{StatusDraft, StatusLoading, false},
		{StatusDraft, StatusFailed, false},
		{StatusExtracting, StatusTransforming, true},
		{StatusExtracting, StatusFailed, true},
		{StatusExtracting, StatusCompleted, false},
		{StatusTransforming, StatusLoading, true},
		{StatusTransforming, StatusExtracting, false},
		{StatusLoading, StatusCompleted, true},
		{StatusLoading, StatusCancelled, true},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusDraft, false},
		{StatusCancelled, StatusExtracting, false},
		{StatusCompleted, StatusCompleted, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestJobTransitionTimestamps(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := &MigrationJob{Status: StatusDraft}

	require.NoError(t, job.transition(StatusExtracting, t0))
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, t0, *job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	// 相同状态不修改时间戳
	require.NoError(t, job.transition(StatusExtracting, t0.Add(time.Hour)))
	assert.Equal(t, t0, job.UpdatedAt)

	require.NoError(t, job.transition(StatusTransforming, t0.Add(time.Minute)))
	assert.Equal(t, t0, *job.StartedAt, "started_at is set once")

	require.NoError(t, job.transition(StatusFailed, t0.Add(2*time.Minute)))
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, t0.Add(2*time.Minute), *job.CompletedAt)

	err := job.transition(StatusLoading, t0)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusFailed, job.Status)
}

func TestJobAdvanceWalksPhases(t *testing.T) {
	now := time.Now()
	job := &MigrationJob{Status: StatusExtracting}

	froms, err := job.advance(StatusCompleted, now)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusExtracting, StatusTransforming, StatusLoading}, froms)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)

	job = &MigrationJob{Status: StatusLoading}
	froms, err = job.advance(StatusTransforming, now)
	require.NoError(t, err)
	assert.Empty(t, froms, "phases never move backwards")
	assert.Equal(t, StatusLoading, job.Status)

	job = &MigrationJob{Status: StatusCancelled}
	_, err = job.advance(StatusCompleted, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func assertBalanced(t *testing.T, c Counters) {
	t.Helper()
	for name, counts := range map[string]progress.Counts{
		"extracting":   c.Extracting,
		"transforming": c.Transforming,
		"loading":      c.Loading,
		"total":        c.Total,
	} {
		assert.Equal(t, counts.Processed, counts.Succeeded+counts.Failed, "%s: processed != succeeded + failed", name)
	}
	for _, s := range c.Steps {
		assert.Equal(t, s.Counts.Processed, s.Counts.Succeeded+s.Counts.Failed, "step %s", s.Step)
	}
}

func TestCountersApply(t *testing.T) {
	var c Counters
	c.apply(BatchStats{StepIndex: 0, Step: "a", Fetched: 10, Invalid: 1, Loaded: 7, LoadFailed: 2})
	c.apply(BatchStats{StepIndex: 1, Step: "b", Fetched: 4, Invalid: 0, Simulated: 4})

	assert.Equal(t, progress.Counts{Processed: 14, Succeeded: 14}, c.Extracting)
	assert.Equal(t, progress.Counts{Processed: 14, Succeeded: 13, Failed: 1}, c.Transforming)
	assert.Equal(t, progress.Counts{Processed: 13, Succeeded: 11, Failed: 2}, c.Loading)
	assert.Equal(t, progress.Counts{Processed: 14, Succeeded: 11, Failed: 3}, c.Total)
	assert.EqualValues(t, 4, c.Simulated)
	require.Len(t, c.Steps, 2)
	assert.Equal(t, progress.Counts{Processed: 10, Succeeded: 7, Failed: 3}, c.Steps[0].Counts)
	assertBalanced(t, c)
}

func TestCountersStepsKeyedByIndex(t *testing.T) {
	var c Counters
	c.apply(BatchStats{StepIndex: 0, Step: "crm.Customer -> billing.Account", Fetched: 3, Loaded: 3})
	c.apply(BatchStats{StepIndex: 1, Step: "crm.Customer -> billing.Account", Fetched: 2, LoadFailed: 2})
	c.apply(BatchStats{StepIndex: 0, Step: "crm.Customer -> billing.Account", Fetched: 1, Loaded: 1})

	require.Len(t, c.Steps, 2)
	assert.Equal(t, 0, c.Steps[0].Index)
	assert.Equal(t, progress.Counts{Processed: 4, Succeeded: 4}, c.Steps[0].Counts)
	assert.Equal(t, 1, c.Steps[1].Index)
	assert.Equal(t, progress.Counts{Processed: 2, Failed: 2}, c.Steps[1].Counts)
	assertBalanced(t, c)
}

func TestJobCloneIsDeep(t *testing.T) {
	started := time.Now()
	job := &MigrationJob{
		ID:        "a",
		Sources:   []SourceRef{{Service: "stripe"}},
		Mappings:  []mapping.EntityMapping{{SourceEntity: "Customer", FieldMappings: []mapping.FieldMapping{{TargetField: "x"}}}},
		Counters:  Counters{Steps: []StepTotals{{Step: "s"}}},
		StartedAt: &started,
	}
	c := job.Clone()
	c.Sources[0].Service = "changed"
	c.Mappings[0].FieldMappings[0].TargetField = "changed"
	c.Counters.Steps[0].Step = "changed"
	*c.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "stripe", job.Sources[0].Service)
	assert.Equal(t, "x", job.Mappings[0].FieldMappings[0].TargetField)
	assert.Equal(t, "s", job.Counters.Steps[0].Step)
	assert.Equal(t, started, *job.StartedAt)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("loading")
	require.NoError(t, err)
	assert.Equal(t, StatusLoading, st)
	_, err = ParseStatus("paused")
	assert.Error(t, err)
}
