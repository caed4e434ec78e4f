package delay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/HandOff/internal/models"
	"github.com/stretchr/testify/require"
)

// dedupAppender mimics the write layer: one row per idempotency key.
type dedupAppender struct {
	mu     sync.Mutex
	rows   map[string]models.DeliveryEvent
	calls  int
	failN  int
}

func newDedupAppender() *dedupAppender {
	return &dedupAppender{rows: map[string]models.DeliveryEvent{}}
}

func (a *dedupAppender) AppendEvent(ctx context.Context, ev models.DeliveryEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failN > 0 {
		a.failN--
		return errors.New("insert failed")
	}
	if _, ok := a.rows[ev.IdempotencyKey]; !ok {
		a.rows[ev.IdempotencyKey] = ev
	}
	return nil
}

type memGuards struct {
	keys    map[string]bool
	seenErr error
}

func (g *memGuards) Seen(ctx context.Context, key string) (bool, error) {
	if g.seenErr != nil {
		return false, g.seenErr
	}
	return g.keys[key], nil
}

func (g *memGuards) Mark(ctx context.Context, key string, ttl time.Duration) error {
	g.keys[key] = true
	return nil
}

func at(h, m int) time.Time { return time.Date(2025, 1, 1, h, m, 0, 0, time.UTC) }

func prepOrder(id string) models.Order {
	high := at(10, 0)
	return models.Order{ID: id, Status: models.OrderStatusPreparing, EtaConfidenceHigh: &high, UpdatedAt: at(9, 30)}
}

func TestPhaseOf(t *testing.T) {
	require.Equal(t, PhasePrep, PhaseOf(models.OrderStatusPending))
	require.Equal(t, PhasePrep, PhaseOf(models.OrderStatusReady))
	require.Equal(t, PhaseTransit, PhaseOf(models.OrderStatusPickedUp))
	require.Equal(t, PhaseTransit, PhaseOf(models.OrderStatusOnTheWay))
	require.Equal(t, PhaseTerminal, PhaseOf(models.OrderStatusDelivered))
	require.Equal(t, PhaseTerminal, PhaseOf(models.OrderStatusCancelled))
	require.Equal(t, PhaseUnknown, PhaseOf("weird"))
}

func TestDetector_PrepDelayOnce(t *testing.T) {
	a := newDedupAppender()
	d := New(a, nil)
	o := prepOrder("O1")

	evs := d.Evaluate(context.Background(), o, nil, at(10, 5))
	require.Len(t, evs, 1)
	require.Equal(t, models.EventPrepDelayDetected, evs[0].EventType)
	require.Equal(t, "prep_delay_O1", evs[0].IdempotencyKey)
	require.NotEmpty(t, evs[0].ID)

	evs = d.Evaluate(context.Background(), o, nil, at(10, 10))
	require.Empty(t, evs)
	require.Equal(t, 1, a.calls)
	require.Len(t, a.rows, 1)
}

func TestDetector_PrepNotYetLate(t *testing.T) {
	a := newDedupAppender()
	d := New(a, nil)
	require.Empty(t, d.Evaluate(context.Background(), prepOrder("O1"), nil, at(10, 0)))

	o := prepOrder("O2")
	o.EtaConfidenceHigh = nil
	require.Empty(t, d.Evaluate(context.Background(), o, nil, at(12, 0)))
	require.Zero(t, a.calls)
}

func TestDetector_RestartUsesGuardStore(t *testing.T) {
	a := newDedupAppender()
	g := &memGuards{keys: map[string]bool{}}
	o := prepOrder("O1")

	require.Len(t, New(a, g).Evaluate(context.Background(), o, nil, at(10, 5)), 1)

	// fresh process, empty in-memory guards
	restarted := New(a, g)
	require.Empty(t, restarted.Evaluate(context.Background(), o, nil, at(10, 6)))
	require.Equal(t, 1, a.calls)
}

func TestDetector_RestartWithoutGuardStoreCollapsesAtWriteLayer(t *testing.T) {
	a := newDedupAppender()
	o := prepOrder("O1")
	first := New(a, nil).Evaluate(context.Background(), o, nil, at(10, 5))
	second := New(a, nil).Evaluate(context.Background(), o, nil, at(10, 6))
	// both report an attempted write; the appender kept one row
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	require.Equal(t, 2, a.calls)
	require.Len(t, a.rows, 1)
	require.Equal(t, first[0].ID, a.rows[PrepDelayKey("O1")].ID)
}

func TestDetector_GuardLookupErrorStillEmits(t *testing.T) {
	a := newDedupAppender()
	g := &memGuards{keys: map[string]bool{}, seenErr: errors.New("redis down")}
	require.Len(t, New(a, g).Evaluate(context.Background(), prepOrder("O1"), nil, at(10, 5)), 1)
}

func TestDetector_EmitFailureSwallowedAndRetried(t *testing.T) {
	a := newDedupAppender()
	a.failN = 1
	d := New(a, nil)
	o := prepOrder("O1")

	require.Empty(t, d.Evaluate(context.Background(), o, nil, at(10, 5)))
	require.Len(t, d.Evaluate(context.Background(), o, nil, at(10, 6)), 1)
	require.Empty(t, d.Evaluate(context.Background(), o, nil, at(10, 7)))
	require.Len(t, a.rows, 1)
}

func TestDetector_TransitStaleDriver(t *testing.T) {
	a := newDedupAppender()
	d := New(a, nil)
	o := models.Order{ID: "O1", Status: models.OrderStatusOnTheWay, DriverID: models.Ptr("A"), UpdatedAt: at(10, 0)}

	fresh := &models.DriverLocation{DriverID: "A", RecordedAt: at(10, 8)}
	require.Empty(t, d.Evaluate(context.Background(), o, fresh, at(10, 10)))

	stale := &models.DriverLocation{DriverID: "A", RecordedAt: at(10, 4)}
	evs := d.Evaluate(context.Background(), o, stale, at(10, 10))
	require.Len(t, evs, 1)
	require.Equal(t, models.EventDriverDelayDetected, evs[0].EventType)
	require.Equal(t, "driver_delay_O1", evs[0].IdempotencyKey)
	require.Equal(t, "A", *evs[0].DriverID)

	require.Empty(t, d.Evaluate(context.Background(), o, stale, at(10, 20)))
}

func TestDetector_TransitWithoutLocationUsesOrderUpdate(t *testing.T) {
	d := New(newDedupAppender(), nil)
	o := models.Order{ID: "O1", Status: models.OrderStatusPickedUp, UpdatedAt: at(10, 0)}
	require.Empty(t, d.Evaluate(context.Background(), o, nil, at(10, 4)))
	require.Len(t, d.Evaluate(context.Background(), o, nil, at(10, 6)), 1)
}

func TestDetector_PhasesHaveIndependentGuards(t *testing.T) {
	a := newDedupAppender()
	d := New(a, nil)

	o := prepOrder("O1")
	require.Len(t, d.Evaluate(context.Background(), o, nil, at(10, 5)), 1)

	o.Status = models.OrderStatusPickedUp
	o.UpdatedAt = at(10, 6)
	require.Len(t, d.Evaluate(context.Background(), o, nil, at(10, 20)), 1)
	require.Len(t, a.rows, 2)
}

func TestDetector_TerminalStops(t *testing.T) {
	a := newDedupAppender()
	d := New(a, nil)
	o := prepOrder("O1")
	d.Evaluate(context.Background(), o, nil, at(10, 5))

	o.Status = models.OrderStatusDelivered
	require.Empty(t, d.Evaluate(context.Background(), o, nil, at(11, 0)))
	require.Equal(t, 1, a.calls)
	require.False(t, d.isFlagged(PrepDelayKey("O1")))
}

func TestDetector_WithSettings(t *testing.T) {
	d := New(newDedupAppender(), nil).WithSettings(time.Minute, time.Hour)
	require.Equal(t, time.Minute, d.staleAfter)
	require.Equal(t, time.Hour, d.guardTTL)
}
