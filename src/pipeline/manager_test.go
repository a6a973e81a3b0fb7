package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/recordbridge/recordbridge/src/connectors"
	"github.com/recordbridge/recordbridge/src/mapping"
	"github.com/recordbridge/recordbridge/src/progress"
)

func newTestManager(t *testing.T, reg *connectors.Registry, schemas connectors.SchemaProvider) *Manager {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.BatchSize = 10
	cfg.LoadChunkSize = 4
	cfg.MaxRetries = 2
	m := NewManager(context.Background(), NewMemoryStore(), reg, schemas, cfg)
	m.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func waitJob(t *testing.T, m *Manager, id string) *MigrationJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, id))
	job, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func drain(sub *progress.Subscription) []progress.Event {
	var events []progress.Event
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	return events
}

type recordingObserver struct {
	t       *testing.T
	mu      sync.Mutex
	changes []string
	batches []BatchStats
}

func (o *recordingObserver) OnStatusChange(job *MigrationJob, from Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, fmt.Sprintf("%s->%s", from, job.Status))
}

func (o *recordingObserver) OnBatch(job *MigrationJob, stats BatchStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, stats)
	assertBalanced(o.t, job.Counters)
}

func (o *recordingObserver) snapshot() ([]string, []BatchStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.changes...), append([]BatchStats(nil), o.batches...)
}

func customerMapping() mapping.EntityMapping {
	return mapping.EntityMapping{
		SourceService: "crm",
		SourceEntity:  "Customer",
		TargetService: "billing",
		TargetEntity:  "Account",
		FieldMappings: []mapping.FieldMapping{
			{SourceField: "first_name", TargetField: "name"},
			{SourceField: "full_name", TargetField: "last_name", Transform: mapping.KindSplitName, Config: map[string]any{"part": "last"}},
		},
	}
}

func contactMapping() mapping.EntityMapping {
	return mapping.EntityMapping{
		SourceService: "crm",
		SourceEntity:  "Contact",
		TargetService: "billing",
		TargetEntity:  "Contact",
		FieldMappings: []mapping.FieldMapping{
			{SourceField: "email", TargetField: "email"},
		},
	}
}

func seedCustomers(src *connectors.MemorySource, n int) {
	for i := 1; i <= n; i++ {
		src.Add("Customer", map[string]any{
			"id":         fmt.Sprintf("c%d", i),
			"first_name": fmt.Sprintf("Ada%d", i),
			"full_name":  fmt.Sprintf("Ada%d Lovelace", i),
		})
	}
}

func TestRunPartialLoadFailures(t *testing.T) {
	src := connectors.NewMemorySource("crm")
	seedCustomers(src, 10)
	src.Add("Contact", map[string]any{"id": "p1", "email": "a@example.com"}, map[string]any{"id": "p2", "email": "b@example.com"})
	sink := connectors.NewMemorySink("billing")
	sink.FailRecord("c3", -1)
	sink.FailRecord("c7", -1)

	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", src)
	reg.RegisterLoader("billing", sink)
	m := newTestManager(t, reg, nil)
	obs := &recordingObserver{t: t}
	m.AddObserver(obs)

	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "crm to billing", Mappings: []mapping.EntityMapping{customerMapping(), contactMapping()}})
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, job.Status)
	assert.Equal(t, 10, job.BatchSize)
	assert.Equal(t, []SourceRef{{Service: "crm"}}, job.Sources)
	assert.Equal(t, "billing", job.Target.Service)

	sub := m.Broadcaster().Subscribe(job.ID)
	require.NoError(t, m.Run(ctx, job.ID))
	done := waitJob(t, m, job.ID)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	require.Len(t, done.Counters.Steps, 2)
	assert.Equal(t, progress.Counts{Processed: 10, Succeeded: 8, Failed: 2}, done.Counters.Steps[0].Counts)
	assert.Equal(t, progress.Counts{Processed: 2, Succeeded: 2}, done.Counters.Steps[1].Counts)
	assert.Equal(t, progress.Counts{Processed: 12, Succeeded: 10, Failed: 2}, done.Counters.Total)
	assert.Equal(t, progress.Counts{Processed: 12, Succeeded: 10, Failed: 2}, done.Counters.Loading)
	assertBalanced(t, done.Counters)

	loaded := sink.Loaded("Account")
	require.Len(t, loaded, 8)
	byID := make(map[string]*mapping.TransformedRecord)
	for _, r := range loaded {
		byID[r.SourceID] = r
	}
	require.Contains(t, byID, "c1")
	assert.Equal(t, "Ada1", byID["c1"].Data["name"])
	assert.Equal(t, "Lovelace", byID["c1"].Data["last_name"])
	assert.NotContains(t, byID, "c3")
	assert.NotContains(t, byID, "c7")
	assert.Len(t, sink.Loaded("Contact"), 2)

	// 失败记录只重试自身，重试次数用尽后不再调用
	var retried int
	for _, call := range sink.Calls() {
		if call.Entity == "Account" && len(call.RecordIDs) == 1 {
			retried++
		}
	}
	assert.Equal(t, 2*m.config.MaxRetries, retried)

	changes, batches := obs.snapshot()
	assert.Equal(t, []string{
		"draft->extracting",
		"extracting->transforming",
		"transforming->loading",
		"loading->completed",
	}, changes)
	require.Len(t, batches, 2)
	assert.EqualValues(t, 2, batches[0].LoadFailed)
	assert.EqualValues(t, 2*m.config.MaxRetries, batches[0].Retries)

	events := drain(sub)
	require.NotEmpty(t, events)
	var types []progress.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []progress.EventType{
		progress.EventProgress, progress.EventStepComplete,
		progress.EventProgress, progress.EventStepComplete,
		progress.EventComplete,
	}, types)
	first := events[0]
	assert.Equal(t, "loading", first.Phase)
	require.NotNil(t, first.TotalRecords)
	assert.EqualValues(t, 10, *first.TotalRecords)
	assert.Equal(t, progress.Counts{Processed: 10, Succeeded: 8, Failed: 2}, *first.Counts)
	assert.Equal(t, done.Counters.Total, *events[len(events)-1].Counts)
}

func TestRunTransientFailureRecovers(t *testing.T) {
	src := connectors.NewMemorySource("crm")
	seedCustomers(src, 3)
	sink := connectors.NewMemorySink("billing")
	sink.FailRecord("c2", 2)

	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", src)
	reg.RegisterLoader("billing", sink)
	m := newTestManager(t, reg, nil)

	var delays []time.Duration
	var mu sync.Mutex
	m.config.RetryBaseDelay = 100 * time.Millisecond
	m.config.RetryMaxDelay = 150 * time.Millisecond
	m.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "retry", Mappings: []mapping.EntityMapping{customerMapping()}})
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, job.ID))
	done := waitJob(t, m, job.ID)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, progress.Counts{Processed: 3, Succeeded: 3}, done.Counters.Total)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, delays)
}

func TestRunSchemaValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	schemas := NewMockSchemaProvider(ctrl)
	schemas.EXPECT().GetSchema(gomock.Any(), "billing", "Account").Return(&mapping.EntitySchema{
		Service: "billing",
		Entity:  "Account",
		Fields: []mapping.FieldSchema{
			{Name: "name", Type: mapping.TypeString, Required: true},
		},
	}, nil)
	schemas.EXPECT().GetSchema(gomock.Any(), "billing", "Contact").Return(nil, connectors.ErrSchemaNotFound)

	src := connectors.NewMemorySource("crm")
	src.Add("Customer",
		map[string]any{"id": "c1", "first_name": "Ada", "full_name": "Ada Lovelace"},
		map[string]any{"id": "c2", "full_name": "Grace Hopper"},
	)
	src.Add("Contact", map[string]any{"id": "p1"})
	sink := connectors.NewMemorySink("billing")

	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", src)
	reg.RegisterLoader("billing", sink)
	m := newTestManager(t, reg, schemas)

	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "schema", Mappings: []mapping.EntityMapping{customerMapping(), contactMapping()}})
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, job.ID))
	done := waitJob(t, m, job.ID)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, progress.Counts{Processed: 2, Succeeded: 1, Failed: 1}, done.Counters.Transforming)
	assert.Equal(t, progress.Counts{Processed: 3, Succeeded: 2, Failed: 1}, done.Counters.Total)
	assert.Len(t, sink.Loaded("Account"), 1)
	assert.Len(t, sink.Loaded("Contact"), 1, "entity without schema is loaded unvalidated")
}

func TestRunDryRun(t *testing.T) {
	src := connectors.NewMemorySource("crm")
	seedCustomers(src, 5)
	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", src)
	m := newTestManager(t, reg, nil)

	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "dry", DryRun: true, BatchSize: 2, Mappings: []mapping.EntityMapping{customerMapping()}})
	require.NoError(t, err)
	sub := m.Broadcaster().Subscribe(job.ID)
	require.NoError(t, m.Run(ctx, job.ID), "dry runs need no loader")
	done := waitJob(t, m, job.ID)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.EqualValues(t, 5, done.Counters.Simulated)
	assert.Equal(t, progress.Counts{Processed: 5, Succeeded: 5}, done.Counters.Total)
	assertBalanced(t, done.Counters)

	events := drain(sub)
	var progressEvents int
	for _, ev := range events {
		if ev.Type == progress.EventProgress {
			progressEvents++
		}
	}
	assert.Equal(t, 3, progressEvents)
	last := events[len(events)-1]
	assert.Equal(t, progress.EventComplete, last.Type)
	assert.EqualValues(t, 5, last.Simulated)
}

func TestRunFatalLoadError(t *testing.T) {
	ctrl := gomock.NewController(t)
	extractor := NewMockExtractor(ctrl)
	loader := NewMockLoader(ctrl)

	total := int64(2)
	extractor.EXPECT().FetchBatch(gomock.Any(), "Contact", "", 10).Return(&connectors.Batch{
		Records: []*mapping.SourceRecord{
			{ID: "p1", SourceService: "crm", SourceEntity: "Contact", Data: map[string]any{"email": "a@example.com"}},
			{ID: "p2", SourceService: "crm", SourceEntity: "Contact", Data: map[string]any{"email": "b@example.com"}},
		},
		NextCursor: "next",
		Total:      &total,
	}, nil)
	loader.EXPECT().LoadBatch(gomock.Any(), "Contact", gomock.Len(2)).
		Return(nil, &connectors.FatalError{Service: "billing", Op: "load", Err: errors.New("401 unauthorized")})

	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", extractor)
	reg.RegisterLoader("billing", loader)
	m := newTestManager(t, reg, nil)
	obs := &recordingObserver{t: t}
	m.AddObserver(obs)

	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "fatal", Mappings: []mapping.EntityMapping{contactMapping()}})
	require.NoError(t, err)
	sub := m.Broadcaster().Subscribe(job.ID)
	require.NoError(t, m.Run(ctx, job.ID))
	done := waitJob(t, m, job.ID)

	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "401 unauthorized")
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, progress.Counts{}, done.Counters.Total, "a failed batch is not counted")

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, progress.EventError, events[0].Type)
	assert.Contains(t, events[0].Message, "401 unauthorized")

	changes, batches := obs.snapshot()
	assert.Equal(t, "loading->failed", changes[len(changes)-1])
	assert.Empty(t, batches)
}

func TestRunFetchErrorFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	extractor := NewMockExtractor(ctrl)
	extractor.EXPECT().FetchBatch(gomock.Any(), "Contact", "", gomock.Any()).Return(nil, errors.New("connection reset"))

	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", extractor)
	reg.RegisterLoader("billing", NewMockLoader(ctrl))
	m := newTestManager(t, reg, nil)

	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "fetch", Mappings: []mapping.EntityMapping{contactMapping()}})
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, job.ID))
	done := waitJob(t, m, job.ID)

	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "connection reset")
}

func TestCancelRunningMigration(t *testing.T) {
	ctrl := gomock.NewController(t)
	extractor := NewMockExtractor(ctrl)
	loader := NewMockLoader(ctrl)

	extractor.EXPECT().FetchBatch(gomock.Any(), "Contact", "", gomock.Any()).Return(&connectors.Batch{
		Records: []*mapping.SourceRecord{
			{ID: "p1", Data: map[string]any{"email": "a@example.com"}},
			{ID: "p2", Data: map[string]any{"email": "b@example.com"}},
		},
		NextCursor: "2",
	}, nil).Times(1)

	started := make(chan struct{})
	release := make(chan struct{})
	loader.EXPECT().LoadBatch(gomock.Any(), "Contact", gomock.Any()).DoAndReturn(
		func(ctx context.Context, entity string, records []*mapping.TransformedRecord) ([]connectors.LoadOutcome, error) {
			close(started)
			<-release
			out := make([]connectors.LoadOutcome, 0, len(records))
			for _, r := range records {
				out = append(out, connectors.LoadOutcome{RecordID: r.SourceID, Loaded: true})
			}
			return out, nil
		}).Times(1)

	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", extractor)
	reg.RegisterLoader("billing", loader)
	m := newTestManager(t, reg, nil)

	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "cancel", Mappings: []mapping.EntityMapping{contactMapping()}})
	require.NoError(t, err)
	sub := m.Broadcaster().Subscribe(job.ID)
	require.NoError(t, m.Run(ctx, job.ID))

	<-started
	assert.ErrorIs(t, m.Run(ctx, job.ID), ErrJobRunning)
	assert.ErrorIs(t, m.Delete(ctx, job.ID), ErrJobRunning)
	require.NoError(t, m.Cancel(ctx, job.ID))
	close(release)
	done := waitJob(t, m, job.ID)

	assert.Equal(t, StatusCancelled, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, drain(sub), "no events after cancellation is acknowledged")
	assert.ErrorIs(t, m.Cancel(ctx, job.ID), ErrInvalidTransition)
}

func TestCancelAfterLastBatchCompletes(t *testing.T) {
	ctrl := gomock.NewController(t)
	extractor := NewMockExtractor(ctrl)
	loader := NewMockLoader(ctrl)

	extractor.EXPECT().FetchBatch(gomock.Any(), "Contact", "", gomock.Any()).Return(&connectors.Batch{
		Records: []*mapping.SourceRecord{{ID: "p1", Data: map[string]any{"email": "a@example.com"}}},
	}, nil).Times(1)

	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", extractor)
	reg.RegisterLoader("billing", loader)
	m := newTestManager(t, reg, nil)

	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "late cancel", Mappings: []mapping.EntityMapping{contactMapping()}})
	require.NoError(t, err)

	loader.EXPECT().LoadBatch(gomock.Any(), "Contact", gomock.Any()).DoAndReturn(
		func(ctx context.Context, entity string, records []*mapping.TransformedRecord) ([]connectors.LoadOutcome, error) {
			// 最后一批加载期间请求取消
			assert.NoError(t, m.Cancel(ctx, job.ID))
			return []connectors.LoadOutcome{{RecordID: "p1", Loaded: true}}, nil
		}).Times(1)

	sub := m.Broadcaster().Subscribe(job.ID)
	require.NoError(t, m.Run(ctx, job.ID))
	done := waitJob(t, m, job.ID)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, progress.Counts{Processed: 1, Succeeded: 1}, done.Counters.Total)
	events := drain(sub)
	require.NotEmpty(t, events)
	assert.Equal(t, progress.EventComplete, events[len(events)-1].Type)
}

func TestCancelBeforeNextMapping(t *testing.T) {
	ctrl := gomock.NewController(t)
	extractor := NewMockExtractor(ctrl)
	loader := NewMockLoader(ctrl)

	extractor.EXPECT().FetchBatch(gomock.Any(), "Contact", "", gomock.Any()).Return(&connectors.Batch{
		Records: []*mapping.SourceRecord{{ID: "p1", Data: map[string]any{"email": "a@example.com"}}},
	}, nil).Times(1)

	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", extractor)
	reg.RegisterLoader("billing", loader)
	m := newTestManager(t, reg, nil)

	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "cancel between steps", Mappings: []mapping.EntityMapping{contactMapping(), customerMapping()}})
	require.NoError(t, err)

	loader.EXPECT().LoadBatch(gomock.Any(), "Contact", gomock.Any()).DoAndReturn(
		func(ctx context.Context, entity string, records []*mapping.TransformedRecord) ([]connectors.LoadOutcome, error) {
			assert.NoError(t, m.Cancel(ctx, job.ID))
			return []connectors.LoadOutcome{{RecordID: "p1", Loaded: true}}, nil
		}).Times(1)

	require.NoError(t, m.Run(ctx, job.ID))
	done := waitJob(t, m, job.ID)

	assert.Equal(t, StatusCancelled, done.Status, "the Customer step never fetches")
}

func TestCancelDraft(t *testing.T) {
	m := newTestManager(t, connectors.NewRegistry(), nil)
	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "draft", Mappings: []mapping.EntityMapping{contactMapping()}})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, job.ID))
	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, m.Run(ctx, job.ID), ErrInvalidTransition)
	assert.ErrorIs(t, m.Cancel(ctx, "missing"), ErrJobNotFound)
}

func TestRunRequiresConnectors(t *testing.T) {
	m := newTestManager(t, connectors.NewRegistry(), nil)
	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "no connectors", Mappings: []mapping.EntityMapping{contactMapping()}})
	require.NoError(t, err)

	err = m.Run(ctx, job.ID)
	assert.ErrorIs(t, err, connectors.ErrConnectorNotFound)
	assert.True(t, IsClientError(err))
	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, got.Status, "a failed start leaves the draft untouched")
}

func TestCreateRejectsInvalidMappings(t *testing.T) {
	m := newTestManager(t, connectors.NewRegistry(), nil)
	ctx := context.Background()

	bad := contactMapping()
	bad.FieldMappings[0].Transform = "reverse"
	_, err := m.Create(ctx, JobSpec{Name: "bad", Mappings: []mapping.EntityMapping{bad}})
	assert.ErrorIs(t, err, mapping.ErrConfig)

	_, err = m.Create(ctx, JobSpec{Name: "empty"})
	assert.ErrorIs(t, err, mapping.ErrConfig)

	_, err = m.Create(ctx, JobSpec{Mappings: []mapping.EntityMapping{contactMapping()}})
	assert.ErrorIs(t, err, mapping.ErrConfig)

	_, err = m.Create(ctx, JobSpec{Name: "big", BatchSize: 1 << 20, Mappings: []mapping.EntityMapping{contactMapping()}})
	assert.ErrorIs(t, err, mapping.ErrConfig)

	_, err = m.Create(ctx, JobSpec{Name: "join", Mappings: []mapping.EntityMapping{contactMapping()}, Joins: []Join{{Service: "crm"}}})
	assert.ErrorIs(t, err, mapping.ErrConfig)
}

func TestUpdateDeleteRetry(t *testing.T) {
	m := newTestManager(t, connectors.NewRegistry(), nil)
	ctx := context.Background()

	job, err := m.Create(ctx, JobSpec{Name: "first", Mappings: []mapping.EntityMapping{contactMapping()}})
	require.NoError(t, err)

	updated, err := m.Update(ctx, job.ID, JobSpec{Name: "renamed", BatchSize: 25, Mappings: []mapping.EntityMapping{contactMapping()}})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 25, updated.BatchSize)
	assert.Equal(t, job.CreatedAt, updated.CreatedAt)

	_, err = m.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "drafts cannot be retried")

	require.NoError(t, m.Cancel(ctx, job.ID))
	_, err = m.Update(ctx, job.ID, JobSpec{Name: "again", Mappings: []mapping.EntityMapping{contactMapping()}})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	retried, err := m.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retried.ID)
	assert.Equal(t, StatusDraft, retried.Status)
	assert.Equal(t, "renamed", retried.Name)
	assert.Equal(t, 25, retried.BatchSize)

	cancelled := StatusCancelled
	list, err := m.List(ctx, JobFilter{Status: &cancelled})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, m.Delete(ctx, job.ID))
	_, err = m.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, m.Delete(ctx, job.ID), ErrJobNotFound)
}

func TestStartMarksInterruptedJobs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.CreateJob(ctx, newStoredJob("running", now, StatusLoading)))
	require.NoError(t, store.CreateJob(ctx, newStoredJob("draft", now, StatusDraft)))

	m := NewManager(ctx, store, connectors.NewRegistry(), nil, nil)
	defer m.Close(ctx)
	require.NoError(t, m.Start(ctx))

	job, err := m.Get(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "interrupted")

	job, err = m.Get(ctx, "draft")
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, job.Status)
}

func TestCloseCancelsRunningMigrations(t *testing.T) {
	ctrl := gomock.NewController(t)
	extractor := NewMockExtractor(ctrl)

	fetching := make(chan struct{})
	extractor.EXPECT().FetchBatch(gomock.Any(), "Contact", "", gomock.Any()).DoAndReturn(
		func(ctx context.Context, entity, cursor string, size int) (*connectors.Batch, error) {
			close(fetching)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", extractor)
	store := NewMemoryStore()
	ctx := context.Background()
	m := NewManager(ctx, store, reg, nil, nil)

	job, err := m.Create(ctx, JobSpec{Name: "shutdown", DryRun: true, Mappings: []mapping.EntityMapping{contactMapping()}})
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, job.ID))
	<-fetching

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	m.Close(closeCtx)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Error(t, m.Run(ctx, job.ID), "a closed manager starts nothing")
}

func TestRunWithJoin(t *testing.T) {
	src := connectors.NewMemorySource("crm")
	src.Add("Customer",
		map[string]any{"id": "c1", "first_name": "Ada"},
		map[string]any{"id": "c2", "first_name": "Grace"},
	)
	src.Add("Subscription",
		map[string]any{"id": "s1", "customer": "c1", "plan": "pro"},
	)
	sink := connectors.NewMemorySink("billing")

	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", src)
	reg.RegisterLoader("billing", sink)
	m := newTestManager(t, reg, nil)

	em := mapping.EntityMapping{
		SourceService: "crm",
		SourceEntity:  "Customer",
		TargetService: "billing",
		TargetEntity:  "Account",
		FieldMappings: []mapping.FieldMapping{
			{SourceField: "first_name", TargetField: "name"},
			{SourceField: "plan", TargetField: "plan", SourceTag: "Subscription"},
		},
	}
	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{
		Name:     "join",
		Mappings: []mapping.EntityMapping{em},
		Joins:    []Join{{Service: "crm", Entity: "Subscription", LocalField: "id", ForeignField: "customer"}},
	})
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, job.ID))
	done := waitJob(t, m, job.ID)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, progress.Counts{Processed: 2, Succeeded: 1, Failed: 1}, done.Counters.Total,
		"a customer without a subscription has no joined record")
	loaded := sink.Loaded("Account")
	require.Len(t, loaded, 1)
	assert.Equal(t, "pro", loaded[0].Data["plan"])
}

func TestBackoff(t *testing.T) {
	m := newTestManager(t, connectors.NewRegistry(), nil)
	m.config.RetryBaseDelay = 200 * time.Millisecond
	m.config.RetryMaxDelay = time.Second
	assert.Equal(t, 200*time.Millisecond, m.backoff(0))
	assert.Equal(t, 400*time.Millisecond, m.backoff(1))
	assert.Equal(t, 800*time.Millisecond, m.backoff(2))
	assert.Equal(t, time.Second, m.backoff(3))
	assert.Equal(t, time.Second, m.backoff(80))
}

func TestFailedRecordsMatchesByID(t *testing.T) {
	records := []*mapping.TransformedRecord{{SourceID: "a"}, {SourceID: "b"}, {SourceID: "c"}}
	failed, reasons := failedRecords(records, []connectors.LoadOutcome{
		{RecordID: "c", Loaded: true},
		{RecordID: "a", Loaded: false, Reason: "duplicate"},
	})
	require.Len(t, failed, 2)
	assert.Equal(t, "a", failed[0].SourceID)
	assert.Equal(t, "b", failed[1].SourceID)
	assert.Equal(t, "duplicate", reasons["a"])
	assert.Equal(t, "no outcome reported", reasons["b"])
}

func TestRunDuplicateMappingsKeepSeparateTotals(t *testing.T) {
	src := connectors.NewMemorySource("crm")
	seedCustomers(src, 3)
	sink := connectors.NewMemorySink("billing")
	sink.FailRecord("c2", -1)

	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", src)
	reg.RegisterLoader("billing", sink)
	m := newTestManager(t, reg, nil)

	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "twice", Mappings: []mapping.EntityMapping{customerMapping(), customerMapping()}})
	require.NoError(t, err)
	sub := m.Broadcaster().Subscribe(job.ID)
	require.NoError(t, m.Run(ctx, job.ID))
	done := waitJob(t, m, job.ID)

	assert.Equal(t, StatusCompleted, done.Status)
	want := progress.Counts{Processed: 3, Succeeded: 2, Failed: 1}
	require.Len(t, done.Counters.Steps, 2)
	for i, s := range done.Counters.Steps {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, "crm.Customer -> billing.Account", s.Step)
		assert.Equal(t, want, s.Counts)
	}
	assert.Equal(t, progress.Counts{Processed: 6, Succeeded: 4, Failed: 2}, done.Counters.Total)

	var steps []progress.Counts
	for _, ev := range drain(sub) {
		if ev.Type == progress.EventStepComplete {
			steps = append(steps, *ev.Counts)
		}
	}
	assert.Equal(t, []progress.Counts{want, want}, steps)
}

func TestRunThrottledHTTPSourceCompletes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"c1","first_name":"Ada","full_name":"Ada Lovelace"}]`))
	}))
	defer srv.Close()

	reg := connectors.NewRegistry()
	reg.RegisterExtractor("crm", connectors.NewHTTPSource(connectors.HTTPOptions{
		Service:    "crm",
		BaseURL:    srv.URL,
		ListPath:   "/customers",
		MaxRetries: 2,
	}, srv.Client(), nil))
	sink := connectors.NewMemorySink("billing")
	reg.RegisterLoader("billing", sink)
	m := newTestManager(t, reg, nil)

	ctx := context.Background()
	job, err := m.Create(ctx, JobSpec{Name: "throttled", Mappings: []mapping.EntityMapping{customerMapping()}})
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, job.ID))
	done := waitJob(t, m, job.ID)

	assert.Equal(t, StatusCompleted, done.Status, done.ErrorMessage)
	assert.Equal(t, progress.Counts{Processed: 1, Succeeded: 1}, done.Counters.Total)
	assert.Equal(t, int32(2), hits.Load())
	require.Len(t, sink.Loaded("Account"), 1)
}
