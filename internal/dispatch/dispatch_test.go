package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/certgen/internal/dataset"
	"github.com/cuongbtq/certgen/internal/dispatch"
	"github.com/cuongbtq/certgen/internal/domain"
	"github.com/cuongbtq/certgen/internal/ledger"
	"github.com/cuongbtq/certgen/internal/progress"
	"github.com/cuongbtq/certgen/internal/queue"
	"github.com/cuongbtq/certgen/internal/storage/memory"
)

type fakePublisher struct {
	mu      sync.Mutex
	calls   int
	batches [][]*queue.Message
	err     error
}

func (f *fakePublisher) PublishBatch(_ context.Context, msgs []*queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, msgs)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTemplate() *domain.Template {
	return &domain.Template{
		ID:            "tpl-1",
		BackgroundRef: "templates/bg.png",
		CanvasWidth:   800,
		CanvasHeight:  600,
		Fields: []domain.Field{
			{Key: "name", RelativeX: 50, RelativeY: 50, FontSize: 32, Color: "#000000", FontFamily: "Poppins", Align: domain.AlignCenter},
			{Key: "course", RelativeX: 10, RelativeY: 90, FontSize: 18, Color: "#333333", FontFamily: "Poppins", Align: domain.AlignLeft},
		},
	}
}

type fixture struct {
	store     *memory.Store
	ledger    *ledger.Ledger
	publisher *fakePublisher
	dispatch  *dispatch.Dispatcher
}

func newFixture() *fixture {
	store := memory.NewStore()
	l := ledger.New(store, discardLogger())
	pub := &fakePublisher{}

	return &fixture{
		store:     store,
		ledger:    l,
		publisher: pub,
		dispatch: dispatch.New(pub, l, dispatch.Config{
			WebhookURL:         "http://worker/generate",
			FailureCallbackURL: "http://worker/generate/failed",
		}, discardLogger()),
	}
}

func TestResolveFields_CenterOfCanvas(t *testing.T) {
	fields := dispatch.ResolveFields(testTemplate(), dataset.Row{"name": "Alice"})

	require.Len(t, fields, 2)
	assert.Equal(t, 400.0, fields[0].AbsX)
	assert.Equal(t, 300.0, fields[0].AbsY)
	assert.Equal(t, "Alice", fields[0].Value)
	assert.Equal(t, domain.AlignCenter, fields[0].Align)

	assert.Equal(t, 80.0, fields[1].AbsX)
	assert.Equal(t, 540.0, fields[1].AbsY)
	assert.Equal(t, "", fields[1].Value, "missing column resolves to empty string")
}

func TestBuildTasks(t *testing.T) {
	job := &domain.Job{ID: "job-1", OwnerID: "owner-1"}
	rows := []dataset.Row{
		{"name": "Alice", "email": "alice@example.com"},
		{"name": "Bob"},
	}

	tasks := dispatch.BuildTasks(job, testTemplate(), rows)
	require.Len(t, tasks, 2)

	assert.Equal(t, 0, tasks[0].RowIndex)
	assert.Equal(t, "alice@example.com", tasks[0].RecipientEmail)
	assert.Equal(t, "Alice", tasks[0].RecipientName)
	assert.Equal(t, 1, tasks[1].RowIndex)
	assert.Equal(t, domain.RecipientUnknown, tasks[1].RecipientEmail)
	assert.Equal(t, 2, tasks[1].TotalRecords)
	assert.Equal(t, "templates/bg.png", tasks[1].BackgroundRef)
	assert.Equal(t, "job-1:1", tasks[1].DedupKey())
}

func TestDispatch_PublishesOneBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	rows := []dataset.Row{{"name": "Alice"}, {"name": "Bob"}, {"name": "Carol"}}
	job, err := f.ledger.CreateJob(ctx, "owner-1", "tpl-1", len(rows))
	require.NoError(t, err)

	sink := &progress.Recorder{}
	receipt, err := f.dispatch.Dispatch(ctx, job, testTemplate(), rows, sink)
	require.NoError(t, err)
	assert.Equal(t, 3, receipt.Published)
	assert.False(t, receipt.Finalized)

	assert.Equal(t, 1, f.publisher.calls)
	batch := f.publisher.batches[0]
	require.Len(t, batch, 3)
	for i, msg := range batch {
		assert.Equal(t, domain.TaskKey(job.ID, i), msg.ID)
		assert.Equal(t, "job-"+job.ID, msg.FlowKey)
		assert.Equal(t, dispatch.DefaultParallelism, msg.Parallelism)
		assert.Equal(t, dispatch.DefaultRetries, msg.Retries)
		assert.Equal(t, 30*time.Second, msg.Timeout)
		assert.Equal(t, "http://worker/generate", msg.Destination)

		var task domain.RenderTask
		require.NoError(t, json.Unmarshal(msg.Body, &task))
		assert.Equal(t, i, task.RowIndex)
	}

	got, err := f.ledger.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, got.Status)

	events := sink.Events()
	require.Len(t, events, 3)
	assert.Equal(t, progress.Update{Progress: 0, Total: 3, Status: progress.StatusDispatching}, events[0].Data)
	assert.Equal(t, progress.Update{Progress: 3, Total: 3, Status: progress.StatusDispatched}, events[1].Data)
	assert.Equal(t, progress.EventDone, events[2].Name)
	assert.Equal(t, job.ID, events[2].Data.(progress.Result).JobID)
}

func TestDispatch_ZeroRowsCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	job, err := f.ledger.CreateJob(ctx, "owner-1", "tpl-1", 0)
	require.NoError(t, err)

	receipt, err := f.dispatch.Dispatch(ctx, job, testTemplate(), nil, nil)
	require.NoError(t, err)
	assert.True(t, receipt.Finalized)
	assert.Zero(t, f.publisher.calls)

	got, err := f.ledger.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Zero(t, got.TotalRecords)
	assert.Zero(t, got.ProcessedCount)
	assert.Zero(t, got.FailedCount)
}

func TestDispatch_PublishFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.publisher.err = errors.New("connection refused")

	rows := []dataset.Row{{"name": "Alice"}, {"name": "Bob"}}
	job, err := f.ledger.CreateJob(ctx, "owner-1", "tpl-1", len(rows))
	require.NoError(t, err)

	sink := &progress.Recorder{}
	receipt, err := f.dispatch.Dispatch(ctx, job, testTemplate(), rows, sink)
	assert.Nil(t, receipt)

	var queueErr *domain.QueueUnavailableError
	require.True(t, errors.As(err, &queueErr))
	assert.Equal(t, 1, f.publisher.calls)

	got, err := f.ledger.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Zero(t, f.store.CertificateCount())

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, progress.EventError, events[1].Name)
	assert.Equal(t, "queue unavailable: connection refused", events[1].Data.(progress.Failure).Error)
}

func TestDispatch_IgnoresCallerCancellation(t *testing.T) {
	f := newFixture()

	rows := []dataset.Row{{"name": "Alice"}}
	job, err := f.ledger.CreateJob(context.Background(), "owner-1", "tpl-1", len(rows))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.dispatch.Dispatch(ctx, job, testTemplate(), rows, nil)
	require.NoError(t, err)

	got, err := f.ledger.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, got.Status)
}

func TestDispatch_RowCountMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	job, err := f.ledger.CreateJob(ctx, "owner-1", "tpl-1", 2)
	require.NoError(t, err)

	_, err = f.dispatch.Dispatch(ctx, job, testTemplate(), []dataset.Row{{"name": "A"}}, nil)
	assert.Error(t, err)
	assert.Zero(t, f.publisher.calls)
}

func TestDispatch_RowsFinishedBeforeStatusFlip(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	rows := []dataset.Row{{"name": "Alice"}}
	job, err := f.ledger.CreateJob(ctx, "owner-1", "tpl-1", len(rows))
	require.NoError(t, err)

	// A worker records the row while the job is still pending
	_, _, err = f.ledger.RecordProcessed(ctx, &domain.Certificate{ID: "c-1", JobID: job.ID, RowIndex: 0, Slug: "s-1"})
	require.NoError(t, err)

	receipt, err := f.dispatch.Dispatch(ctx, job, testTemplate(), rows, nil)
	require.NoError(t, err)
	assert.True(t, receipt.Finalized)

	got, err := f.ledger.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
}
