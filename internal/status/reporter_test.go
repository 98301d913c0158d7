// ABOUTME: Tests for the status reporter
// ABOUTME: Covers counts, pending totals, oldest pending timestamps and drain history

package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanjayanasuri/brain-web-sub011/internal/connectivity"
	"github.com/sanjayanasuri/brain-web-sub011/internal/drain"
	"github.com/sanjayanasuri/brain-web-sub011/internal/outbox"
	"github.com/sanjayanasuri/brain-web-sub011/internal/store"
)

type fakeHistory struct {
	last    *drain.Result
	running bool
}

func (h fakeHistory) Last() (drain.Result, bool) {
	if h.last == nil {
		return drain.Result{}, false
	}
	return *h.last, true
}

func (h fakeHistory) Running() bool { return h.running }

// setupQueue returns a manager whose clock advances one second per call,
// starting at base.
func setupQueue(t *testing.T, base time.Time) *outbox.Manager {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	mgr := outbox.NewManager(st, nil)
	tick := base
	mgr.SetClock(func() time.Time {
		now := tick
		tick = tick.Add(time.Second)
		return now
	})
	return mgr
}

func enqueue(t *testing.T, mgr *outbox.Manager, id string) {
	t.Helper()
	_, err := mgr.Enqueue(context.Background(), outbox.EnqueueRequest{
		GraphID: "g1", BranchID: "main", Type: outbox.TypeConceptCreate, EventID: id,
	})
	require.NoError(t, err)
}

func TestSnapshot_Empty(t *testing.T) {
	mgr := setupQueue(t, time.UnixMilli(1_700_000_000_000))
	r := NewReporter(mgr, nil, nil)

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Online)
	assert.Zero(t, snap.Pending)
	assert.Nil(t, snap.OldestPendingAt)
	assert.Nil(t, snap.LastDrain)
	assert.Equal(t, map[string]int{"queued": 0, "sending": 0, "acked": 0, "failed": 0}, snap.Counts)
}

func TestSnapshot_CountsAndOldest(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000).UTC()
	mgr := setupQueue(t, base)
	ctx := context.Background()

	enqueue(t, mgr, "a") // base
	enqueue(t, mgr, "b") // base+1s
	enqueue(t, mgr, "c") // base+2s
	enqueue(t, mgr, "d") // base+3s

	require.NoError(t, mgr.MarkStatus(ctx, "a", outbox.StatusAcked, outbox.Fields{}))
	require.NoError(t, mgr.MarkStatus(ctx, "b", outbox.StatusFailed, outbox.Failure("http_error: HTTP 500", 500)))
	require.NoError(t, mgr.MarkStatus(ctx, "c", outbox.StatusSending, outbox.Fields{}))

	mon := connectivity.NewMonitor(nil, time.Minute, time.Second, nil)
	mon.Set(true)
	last := drain.Result{Batches: 1, Acked: 1}
	r := NewReporter(mgr, mon, fakeHistory{last: &last, running: true})

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Online)
	assert.True(t, snap.Connectivity.Online)
	assert.Equal(t, 1, snap.Counts["acked"])
	assert.Equal(t, 1, snap.Counts["failed"])
	assert.Equal(t, 1, snap.Counts["sending"])
	assert.Equal(t, 1, snap.Counts["queued"])
	assert.Equal(t, 3, snap.Pending)

	require.NotNil(t, snap.OldestPendingAt)
	assert.True(t, base.Add(time.Second).Equal(*snap.OldestPendingAt), "b is the oldest unacked event")

	assert.True(t, snap.DrainRunning)
	require.NotNil(t, snap.LastDrain)
	assert.Equal(t, 1, snap.LastDrain.Acked)
}

func TestFailed(t *testing.T) {
	mgr := setupQueue(t, time.UnixMilli(1_700_000_000_000))
	ctx := context.Background()
	enqueue(t, mgr, "a")
	enqueue(t, mgr, "b")
	require.NoError(t, mgr.MarkStatus(ctx, "b", outbox.StatusFailed, outbox.Failure("rejected by server", 200)))

	r := NewReporter(mgr, nil, nil)
	events, err := r.Failed(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].EventID)
	assert.Equal(t, 1, events[0].Attempts)

	events, err = r.Failed(ctx, "g2", "main", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
