package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordbridge/recordbridge/src/mapping"
	"github.com/recordbridge/recordbridge/src/progress"
)

func newStoredJob(id string, created time.Time, status Status) *MigrationJob {
	return &MigrationJob{
		ID:          id,
		Name:        "job " + id,
		Description: "sync customers",
		Sources:     []SourceRef{{Service: "stripe", Site: "eu"}},
		Target:      TargetRef{Service: "chargebee"},
		Mappings: []mapping.EntityMapping{{
			SourceService: "stripe",
			SourceEntity:  "Customer",
			TargetService: "chargebee",
			TargetEntity:  "Customer",
			FieldMappings: []mapping.FieldMapping{
				{SourceField: "email", TargetField: "email"},
				{SourceField: "plan", TargetField: "plan_id", Transform: mapping.KindPrefixAdd, Config: map[string]any{"prefix": "cb_"}},
			},
		}},
		Joins:     []Join{{Service: "stripe", Entity: "Subscription", LocalField: "id", ForeignField: "customer"}},
		DryRun:    true,
		BatchSize: 50,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func storeSuite(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)

	_, err := store.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	a := newStoredJob("a", base, StatusDraft)
	b := newStoredJob("b", base.Add(time.Minute), StatusCompleted)
	c := newStoredJob("c", base.Add(2*time.Minute), StatusDraft)
	for _, job := range []*MigrationJob{a, b, c} {
		require.NoError(t, store.CreateJob(ctx, job))
	}

	got, err := store.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, a.Name, got.Name)
	assert.Equal(t, a.Sources, got.Sources)
	assert.Equal(t, a.Target, got.Target)
	assert.Equal(t, a.Joins, got.Joins)
	assert.True(t, got.DryRun)
	assert.Equal(t, 50, got.BatchSize)
	require.Len(t, got.Mappings, 1)
	assert.Equal(t, "cb_", got.Mappings[0].FieldMappings[1].Config["prefix"])
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)

	// 修改返回的快照不影响存储
	got.Name = "changed"
	again, err := store.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "job a", again.Name)

	started := base.Add(time.Hour)
	again.Status = StatusFailed
	again.StartedAt = &started
	again.CompletedAt = &started
	again.ErrorMessage = "boom"
	again.Counters.apply(BatchStats{Step: "s", Fetched: 3, Invalid: 1, Loaded: 2})
	require.NoError(t, store.UpdateJob(ctx, again))

	updated, err := store.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, updated.Status)
	assert.Equal(t, "boom", updated.ErrorMessage)
	require.NotNil(t, updated.StartedAt)
	assert.True(t, started.Equal(*updated.StartedAt))
	assert.Equal(t, progress.Counts{Processed: 3, Succeeded: 2, Failed: 1}, updated.Counters.Total)
	require.Len(t, updated.Counters.Steps, 1)

	all, err := store.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	draft := StatusDraft
	drafts, err := store.ListJobs(ctx, JobFilter{Status: &draft})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "c", drafts[0].ID)

	page, err := store.ListJobs(ctx, JobFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)

	require.NoError(t, store.DeleteJob(ctx, "b"))
	assert.ErrorIs(t, store.DeleteJob(ctx, "b"), ErrJobNotFound)
	assert.ErrorIs(t, store.UpdateJob(ctx, newStoredJob("b", base, StatusDraft)), ErrJobNotFound)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	storeSuite(t, store)
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "jobs.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()
	storeSuite(t, store)
}

func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, newStoredJob("persisted", time.Now(), StatusLoading)))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()
	job, err := store.GetJob(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, StatusLoading, job.Status)
}
