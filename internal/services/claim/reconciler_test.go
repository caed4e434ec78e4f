package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/HandOff/internal/models"
	"github.com/stretchr/testify/require"
)

type memQueue struct {
	mu    sync.Mutex
	items []string
	err   error
}

func (q *memQueue) Push(ctx context.Context, driverID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, driverID)
	return nil
}

func (q *memQueue) Pop(ctx context.Context, n int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	out := append([]string{}, q.items[:n]...)
	q.items = q.items[n:]
	return out, nil
}

type fakeAvailability struct {
	active  map[string]int
	setErr  error
	marked  []string
	listErr error
}

func (f *fakeAvailability) ListDriverDeliveries(ctx context.Context, driverID string, statuses []models.DeliveryStatus) ([]*models.Delivery, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*models.Delivery, f.active[driverID])
	for i := range out {
		out[i] = &models.Delivery{ID: driverID, Status: models.DeliveryStatusAssigned}
	}
	return out, nil
}

func (f *fakeAvailability) SetDriverAvailability(ctx context.Context, driverID string, available bool) error {
	if f.setErr != nil {
		return f.setErr
	}
	if !available {
		f.marked = append(f.marked, driverID)
	}
	return nil
}

func TestReconciler_RepairsOnlyBusyDrivers(t *testing.T) {
	q := &memQueue{items: []string{"A", "B"}}
	b := &fakeAvailability{active: map[string]int{"A": 1}}
	r := NewReconciler(b, q)

	r.RunOnce(context.Background())
	require.Equal(t, []string{"A"}, b.marked)
	require.Empty(t, q.items)

	st := r.Stats()
	require.Equal(t, int64(1), st.TotalRepaired)
	require.Equal(t, int64(1), st.TotalSkipped)
	require.NotNil(t, st.LastCycleAt)
}

func TestReconciler_FailureRequeues(t *testing.T) {
	q := &memQueue{items: []string{"A"}}
	b := &fakeAvailability{active: map[string]int{"A": 1}, setErr: errors.New("timeout")}
	r := NewReconciler(b, q)

	r.RunOnce(context.Background())
	require.Equal(t, []string{"A"}, q.items)
	require.Equal(t, int64(1), r.Stats().TotalErrors)
	require.Equal(t, "timeout", r.Stats().LastError)
}

func TestReconciler_PopError(t *testing.T) {
	q := &memQueue{err: errors.New("redis down")}
	r := NewReconciler(&fakeAvailability{}, q)
	r.RunOnce(context.Background())
	require.Equal(t, int64(1), r.Stats().TotalErrors)
}

func TestReconciler_WithSettings(t *testing.T) {
	r := NewReconciler(&fakeAvailability{}, &memQueue{}).WithSettings(5*time.Second, 7)
	require.Equal(t, 5*time.Second, r.interval)
	require.Equal(t, 7, r.batchSize)

	r = r.WithSettings(0, 0)
	require.Equal(t, 5*time.Second, r.interval)
	require.Equal(t, 7, r.batchSize)
}

func TestReconciler_Run_StopsOnContextCancel(t *testing.T) {
	q := &memQueue{items: []string{"A"}}
	b := &fakeAvailability{active: map[string]int{"A": 1}}
	r := NewReconciler(b, q).WithSettings(time.Hour, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Trigger()
	require.Eventually(t, func() bool { return r.Stats().TotalRepaired == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
