package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pensionops/rebalancer/internal/aggregation"
	"github.com/pensionops/rebalancer/internal/export"
	"github.com/pensionops/rebalancer/internal/model"
	"github.com/pensionops/rebalancer/internal/scheduler"
	"github.com/pensionops/rebalancer/internal/store"
	"github.com/pensionops/rebalancer/internal/transaction"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 16, 9, 0, 0, 0, time.UTC)}
}

// --- MemoryLock ---

func TestMemoryLock_ExclusiveUntilReleased(t *testing.T) {
	clock := newClock()
	lock := scheduler.NewMemoryLock(clock.Now)
	ctx := context.Background()

	lease, ok, err := lock.TryAcquire(ctx, "job", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.TryAcquire(ctx, "job", time.Minute, 0)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = lock.TryAcquire(ctx, "other-job", time.Minute, 0)
	require.NoError(t, err)
	assert.True(t, ok, "names are independent")

	require.NoError(t, lease.Release(ctx))
	_, ok, err = lock.TryAcquire(ctx, "job", time.Minute, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLock_ReleaseHonorsMinimumHold(t *testing.T) {
	clock := newClock()
	lock := scheduler.NewMemoryLock(clock.Now)
	ctx := context.Background()

	lease, ok, err := lock.TryAcquire(ctx, "job", 10*time.Minute, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(5 * time.Second)
	require.NoError(t, lease.Release(ctx))

	_, ok, _ = lock.TryAcquire(ctx, "job", 10*time.Minute, 30*time.Second)
	assert.False(t, ok, "lock stays held until the minimum hold passes")

	clock.Advance(25 * time.Second)
	_, ok, _ = lock.TryAcquire(ctx, "job", 10*time.Minute, 30*time.Second)
	assert.True(t, ok)
}

func TestMemoryLock_ExpiresAfterMaximumHold(t *testing.T) {
	clock := newClock()
	lock := scheduler.NewMemoryLock(clock.Now)
	ctx := context.Background()

	stale, ok, _ := lock.TryAcquire(ctx, "job", time.Minute, 0)
	require.True(t, ok)

	clock.Advance(time.Minute)
	fresh, ok, _ := lock.TryAcquire(ctx, "job", time.Minute, 0)
	require.True(t, ok, "expired lock can be taken over")

	require.NoError(t, stale.Release(ctx))
	_, ok, _ = lock.TryAcquire(ctx, "job", time.Minute, 0)
	assert.False(t, ok, "stale lease must not release the new holder")

	require.NoError(t, fresh.Release(ctx))
}

func TestMemoryLock_RejectsNonPositiveMaxHold(t *testing.T) {
	lock := scheduler.NewMemoryLock(nil)
	_, _, err := lock.TryAcquire(context.Background(), "job", 0, 0)
	assert.Error(t, err)
}

// --- Driver with a recording processor ---

type recordingProcessor struct {
	store       store.Store
	seenStatus  map[string]model.CommandStatus
	commands    []string
	batches     []string
	commandErrs map[string]error
	batchErrs   map[string]error
}

func newRecordingProcessor(st store.Store) *recordingProcessor {
	return &recordingProcessor{
		store:       st,
		seenStatus:  map[string]model.CommandStatus{},
		commandErrs: map[string]error{},
		batchErrs:   map[string]error{},
	}
}

func (p *recordingProcessor) ProcessCommand(ctx context.Context, cmd *model.TransactionCommand) (*transaction.ProcessResult, error) {
	p.commands = append(p.commands, cmd.ID)
	stored, err := p.store.GetCommand(ctx, cmd.ID)
	if err != nil {
		return nil, err
	}
	p.seenStatus[cmd.ID] = stored.Status
	return nil, p.commandErrs[cmd.ID]
}

func (p *recordingProcessor) FinalizeConfirmedBatch(_ context.Context, batchID string) (*model.BatchFinalized, error) {
	p.batches = append(p.batches, batchID)
	if err := p.batchErrs[batchID]; err != nil {
		return nil, err
	}
	return &model.BatchFinalized{BatchID: batchID}, nil
}

func pendingCommand(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, st.CreateCommand(context.Background(), &model.TransactionCommand{
		ID: id, Fund: model.TUV100, Mode: model.ModeBuy, AsOfDate: model.Date(2026, 1, 15),
		ManualAdjustments: map[string]any{}, Status: model.CommandPending,
	}))
}

func confirmedBatch(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, st.CreateBatch(context.Background(), &model.TransactionBatch{
		ID: id, Fund: model.TUV100, Status: model.BatchConfirmed, CreatedBy: "analyst",
	}))
}

// newDriver has no minimum lock hold so consecutive runs are not skipped.
func newDriver(st store.Store, p scheduler.Processor) *scheduler.Driver {
	opts := scheduler.DefaultOptions()
	opts.LockAtLeast = 0
	return scheduler.NewDriver(st, p, scheduler.NewMemoryLock(nil), opts)
}

func TestRunOnce_MarksCommandsProcessingBeforeDispatch(t *testing.T) {
	st := store.NewMemoryStore()
	pendingCommand(t, st, "cmd-1")
	p := newRecordingProcessor(st)

	res, err := newDriver(st, p).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"cmd-1"}, p.commands)
	assert.Equal(t, model.CommandProcessing, p.seenStatus["cmd-1"])
	assert.Equal(t, 1, res.CommandsProcessed)
}

func TestRunOnce_NothingToDo(t *testing.T) {
	st := store.NewMemoryStore()
	p := newRecordingProcessor(st)

	res, err := newDriver(st, p).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, p.commands)
	assert.Empty(t, p.batches)
	assert.Equal(t, scheduler.RunResult{}, res)
}

func TestRunOnce_ContinuesAfterCommandError(t *testing.T) {
	st := store.NewMemoryStore()
	pendingCommand(t, st, "cmd-1")
	pendingCommand(t, st, "cmd-2")
	p := newRecordingProcessor(st)
	p.commandErrs["cmd-1"] = errors.New("unexpected")

	res, err := newDriver(st, p).RunOnce(context.Background())
	require.NoError(t, err, "command errors are logged, not returned")
	assert.ElementsMatch(t, []string{"cmd-1", "cmd-2"}, p.commands)
	assert.Equal(t, 1, res.CommandErrors)
	assert.Equal(t, 1, res.CommandsProcessed)
}

func TestRunOnce_FinalizesConfirmedBatches(t *testing.T) {
	st := store.NewMemoryStore()
	confirmedBatch(t, st, "batch-1")
	require.NoError(t, st.CreateBatch(context.Background(), &model.TransactionBatch{
		ID: "awaiting", Fund: model.TUV100, Status: model.BatchAwaitingConfirmation,
	}))
	p := newRecordingProcessor(st)

	res, err := newDriver(st, p).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"batch-1"}, p.batches)
	assert.Equal(t, 1, res.BatchesFinalized)
}

func TestRunOnce_IsolatesFinalizeFailures(t *testing.T) {
	st := store.NewMemoryStore()
	confirmedBatch(t, st, "batch-1")
	confirmedBatch(t, st, "batch-2")
	p := newRecordingProcessor(st)
	boom := errors.New("export failed")
	p.batchErrs["batch-1"] = boom

	res, err := newDriver(st, p).RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "batch-1")
	assert.ElementsMatch(t, []string{"batch-1", "batch-2"}, p.batches)
	assert.Equal(t, 1, res.BatchErrors)
	assert.Equal(t, 1, res.BatchesFinalized)
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	st := store.NewMemoryStore()
	pendingCommand(t, st, "cmd-1")
	p := newRecordingProcessor(st)
	lock := scheduler.NewMemoryLock(nil)
	opts := scheduler.DefaultOptions()

	held, ok, err := lock.TryAcquire(context.Background(), opts.LockName, time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Release(context.Background())

	res, err := scheduler.NewDriver(st, p, lock, opts).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, p.commands)

	cmd, err := st.GetCommand(context.Background(), "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, model.CommandPending, cmd.Status)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	st := store.NewMemoryStore()
	pendingCommand(t, st, "cmd-1")
	d := scheduler.NewDriver(st, newRecordingProcessor(st), scheduler.NewMemoryLock(nil), scheduler.Options{
		Interval:   10 * time.Millisecond,
		LockAtMost: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		cmd, err := st.GetCommand(context.Background(), "cmd-1")
		return err == nil && cmd.Status == model.CommandProcessing
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHandleRun(t *testing.T) {
	st := store.NewMemoryStore()
	confirmedBatch(t, st, "batch-1")
	p := newRecordingProcessor(st)
	d := newDriver(st, p)

	w := httptest.NewRecorder()
	d.HandleRun(w, httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/run", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["batches_finalized"])

	p.batchErrs["batch-1"] = errors.New("still failing")
	confirmedBatch(t, st, "batch-2")
	p.batchErrs["batch-2"] = errors.New("also failing")
	w = httptest.NewRecorder()
	d.HandleRun(w, httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/run", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// --- End to end over the transaction service ---

func TestRunOnce_CommandToSentBatch(t *testing.T) {
	st := store.NewMemoryStore()
	posDate := model.Date(2026, 1, 14)
	st.AddPositions(model.PositionRecord{Fund: model.TUK75, Date: posDate, ISIN: "IE00A", MarketValue: decimal.NewNullDecimal(decimal.RequireFromString("500000"))})
	st.AddCash(model.TUK75, posDate, decimal.RequireFromString("500000"))
	st.SetAllocations(model.TUK75, []model.ModelPortfolioAllocation{{Fund: model.TUK75, ISIN: "IE00A", Weight: decimal.RequireFromString("1")}})

	clock := newClock()
	svc := transaction.NewService(transaction.Deps{
		Store:      st,
		Aggregator: aggregation.NewAggregator(st, aggregation.DefaultOptions()),
		Exporter:   export.NewService(nil),
		Clock:      clock.Now,
	}, transaction.DefaultOptions())
	ctx := context.Background()

	cmd, err := svc.CreateCommand(ctx, model.TUK75, model.ModeBuy, model.Date(2026, 1, 15), nil)
	require.NoError(t, err)

	d := scheduler.NewDriver(st, svc, scheduler.NewMemoryLock(clock.Now), scheduler.DefaultOptions())
	res, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CommandsProcessed)

	cmd, err = st.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, model.CommandCalculated, cmd.Status)

	_, err = svc.ConfirmBatch(ctx, cmd.BatchID, "analyst")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.BatchesFinalized)

	batch, err := st.GetBatch(ctx, cmd.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchSent, batch.Status)
	orders, err := st.OrdersByBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderSent, orders[0].Status)
}
