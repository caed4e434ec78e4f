package deliverystore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/BearBump/HandOff/internal/models"
	"github.com/BearBump/HandOff/internal/session"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mine      []*models.Delivery
	available []*models.Delivery
	mineErr   error
	availErr  error

	gotDriver   string
	gotStatuses []models.DeliveryStatus
	availCalls  int
}

func (f *fakeFetcher) ListDriverDeliveries(ctx context.Context, driverID string, statuses []models.DeliveryStatus) ([]*models.Delivery, error) {
	f.gotDriver = driverID
	f.gotStatuses = statuses
	return f.mine, f.mineErr
}

func (f *fakeFetcher) ListAvailableDeliveries(ctx context.Context, limit int) ([]*models.Delivery, error) {
	f.availCalls++
	return f.available, f.availErr
}

var t0 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func availableDelivery(id string, age time.Duration) *models.Delivery {
	return &models.Delivery{ID: id, OrderID: "o-" + id, Status: models.DeliveryStatusAvailable, CreatedAt: t0.Add(-age)}
}

func assignedDelivery(id, driver string) *models.Delivery {
	at := t0
	return &models.Delivery{ID: id, OrderID: "o-" + id, Status: models.DeliveryStatusAssigned, DriverID: models.Ptr(driver), AssignedAt: &at, CreatedAt: t0.Add(-time.Hour)}
}

func ids(ds []*models.Delivery) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}

func requirePartition(t *testing.T, s *Store) {
	t.Helper()
	snap := s.Snapshot()
	seen := map[string]bool{}
	for _, d := range snap.Mine {
		seen[d.ID] = true
	}
	for _, d := range snap.Available {
		require.False(t, seen[d.ID], "delivery %s present in both collections", d.ID)
	}
}

func TestStore_LoadInitial(t *testing.T) {
	f := &fakeFetcher{
		mine: []*models.Delivery{assignedDelivery("M1", "A")},
		available: []*models.Delivery{
			availableDelivery("N", 1*time.Minute),
			availableDelivery("O", 10*time.Minute),
			availableDelivery("M1", 0), // stale duplicate must not break the partition
		},
	}
	s := New(session.New("A"), f)

	require.NoError(t, s.LoadInitial(context.Background(), "A", true))
	require.Equal(t, "A", f.gotDriver)
	require.Equal(t, models.ActiveDeliveryStatuses, f.gotStatuses)
	require.Equal(t, []string{"M1"}, ids(s.Mine()))
	require.Equal(t, []string{"O", "N"}, ids(s.Available()))
	requirePartition(t, s)
}

func TestStore_LoadInitial_SkipsAvailable(t *testing.T) {
	f := &fakeFetcher{available: []*models.Delivery{availableDelivery("N", 0)}}
	s := New(session.New("A"), f)
	require.NoError(t, s.LoadInitial(context.Background(), "A", false))
	require.Zero(t, f.availCalls)
	require.Empty(t, s.Available())
}

func TestStore_LoadInitial_FetchErrorKeepsState(t *testing.T) {
	f := &fakeFetcher{mine: []*models.Delivery{assignedDelivery("M1", "A")}}
	s := New(session.New("A"), f)
	require.NoError(t, s.LoadInitial(context.Background(), "A", false))

	f.mineErr = errors.New("connection refused")
	err := s.LoadInitial(context.Background(), "A", false)
	require.ErrorIs(t, err, ErrFetch)
	require.Equal(t, []string{"M1"}, ids(s.Mine()))

	f.mineErr = nil
	f.availErr = errors.New("timeout")
	require.ErrorIs(t, s.LoadInitial(context.Background(), "A", true), ErrFetch)
	require.Equal(t, []string{"M1"}, ids(s.Mine()))
}

func TestStore_ApplyChange_AvailableToAssignedLocalDriver(t *testing.T) {
	s := New(session.New("X"), &fakeFetcher{})
	s.ApplyChange(models.Change{Op: models.ChangeInsert, After: availableDelivery("D1", 0)})
	require.Equal(t, []string{"D1"}, ids(s.Available()))

	s.ApplyChange(models.Change{Op: models.ChangeUpdate, Before: availableDelivery("D1", 0), After: assignedDelivery("D1", "X")})
	require.Equal(t, []string{"D1"}, ids(s.Mine()))
	require.Empty(t, s.Available())
}

func TestStore_ApplyChange_AvailableToAssignedOtherDriver(t *testing.T) {
	s := New(session.New("X"), &fakeFetcher{})
	s.ApplyChange(models.Change{Op: models.ChangeInsert, After: availableDelivery("D1", 0)})

	s.ApplyChange(models.Change{Op: models.ChangeUpdate, Before: availableDelivery("D1", 0), After: assignedDelivery("D1", "Y")})
	require.Empty(t, s.Mine())
	require.Empty(t, s.Available())
}

func TestStore_ApplyChange_UnassignedExternally(t *testing.T) {
	s := New(session.New("X"), &fakeFetcher{})
	s.ApplyChange(models.Change{Op: models.ChangeUpdate, After: assignedDelivery("D1", "X")})
	require.Len(t, s.Mine(), 1)

	// dispatcher put it back into the pool
	s.ApplyChange(models.Change{Op: models.ChangeUpdate, After: availableDelivery("D1", 0)})
	require.Empty(t, s.Mine())
	require.Equal(t, []string{"D1"}, ids(s.Available()))

	// and then gave it to someone else
	s.ApplyChange(models.Change{Op: models.ChangeUpdate, After: assignedDelivery("D1", "Z")})
	require.Empty(t, s.Mine())
	require.Empty(t, s.Available())
}

func TestStore_ApplyChange_CancelledLeavesMine(t *testing.T) {
	s := New(session.New("A"), &fakeFetcher{})
	s.ApplyChange(models.Change{Op: models.ChangeUpdate, After: assignedDelivery("D1", "A")})
	require.Len(t, s.Mine(), 1)

	cancelled := assignedDelivery("D1", "A")
	cancelled.Status = models.DeliveryStatusCancelled
	cancelled.StampTransition(models.DeliveryStatusCancelled, t0.Add(time.Minute))
	// a row published before the driver was cleared must not stick either
	s.ApplyChange(models.Change{Op: models.ChangeUpdate, Before: assignedDelivery("D1", "A"), After: cancelled})
	require.Empty(t, s.Mine())
	require.Empty(t, s.Available())

	cancelled.DriverID = nil
	s.ApplyChange(models.Change{Op: models.ChangeUpdate, Before: assignedDelivery("D1", "A"), After: cancelled})
	require.Empty(t, s.Mine())
}

func TestStore_ApplyChange_DeliveredLeavesMine(t *testing.T) {
	s := New(session.New("A"), &fakeFetcher{})
	s.ApplyChange(models.Change{Op: models.ChangeUpdate, After: assignedDelivery("D1", "A")})

	done := assignedDelivery("D1", "A")
	done.Status = models.DeliveryStatusDelivered
	done.StampTransition(models.DeliveryStatusDelivered, t0.Add(30*time.Minute))
	s.ApplyChange(models.Change{Op: models.ChangeUpdate, After: done})

	require.Empty(t, s.Mine())
	_, ok := s.Get("D1")
	require.False(t, ok)
}

func TestStore_ApplyChange_MergeInPlace(t *testing.T) {
	s := New(session.New("X"), &fakeFetcher{})
	s.ApplyChange(models.Change{Op: models.ChangeUpdate, After: assignedDelivery("D1", "X")})

	upd := assignedDelivery("D1", "X")
	upd.Status = models.DeliveryStatusPickedUp
	upd.StampTransition(models.DeliveryStatusPickedUp, t0.Add(5*time.Minute))
	s.ApplyChange(models.Change{Op: models.ChangeUpdate, After: upd})

	d, ok := s.Get("D1")
	require.True(t, ok)
	require.Equal(t, models.DeliveryStatusPickedUp, d.Status)
	require.Len(t, s.Mine(), 1)
}

func TestStore_ApplyChange_Delete(t *testing.T) {
	s := New(session.New("X"), &fakeFetcher{})
	s.ApplyChange(models.Change{Op: models.ChangeInsert, After: availableDelivery("D1", 0)})
	s.ApplyChange(models.Change{Op: models.ChangeUpdate, After: assignedDelivery("D2", "X")})

	s.ApplyChange(models.Change{Op: models.ChangeDelete, Before: &models.Delivery{ID: "D1"}})
	s.ApplyChange(models.Change{Op: models.ChangeDelete, Before: &models.Delivery{ID: "D2"}})
	require.Empty(t, s.Mine())
	require.Empty(t, s.Available())

	// nil record is ignored
	s.ApplyChange(models.Change{Op: models.ChangeDelete})
}

func TestStore_ApplyChange_DuplicateEventsIdempotent(t *testing.T) {
	s := New(session.New("X"), &fakeFetcher{})
	ch := models.Change{Op: models.ChangeInsert, After: availableDelivery("D1", 0)}
	s.ApplyChange(ch)
	s.ApplyChange(ch)
	require.Len(t, s.Available(), 1)
}

func TestStore_OptimisticClaim_ThenMatchingEvent(t *testing.T) {
	s := New(session.New("X"), &fakeFetcher{})
	s.ApplyChange(models.Change{Op: models.ChangeInsert, After: availableDelivery("D1", 0)})

	require.True(t, s.ApplyOptimisticClaim("D1", "X", t0))
	mine := s.Mine()
	require.Len(t, mine, 1)
	require.True(t, mine[0].Pending)
	require.Equal(t, models.DeliveryStatusAssigned, mine[0].Status)
	require.True(t, mine[0].HeldBy("X"))
	require.NotNil(t, mine[0].AssignedAt)
	require.Empty(t, s.Available())

	// second optimistic call is a no-op
	require.False(t, s.ApplyOptimisticClaim("D1", "X", t0))

	s.ApplyChange(models.Change{Op: models.ChangeUpdate, After: assignedDelivery("D1", "X")})
	mine = s.Mine()
	require.Len(t, mine, 1)
	require.False(t, mine[0].Pending)
	requirePartition(t, s)
}

func TestStore_OptimisticClaim_Unknown(t *testing.T) {
	s := New(session.New("X"), &fakeFetcher{})
	require.False(t, s.ApplyOptimisticClaim("nope", "X", t0))
	require.Empty(t, s.Mine())
}

func TestStore_ForgetAndReset(t *testing.T) {
	s := New(session.New("X"), &fakeFetcher{})
	s.ApplyChange(models.Change{Op: models.ChangeInsert, After: availableDelivery("D1", 0)})
	s.ApplyChange(models.Change{Op: models.ChangeInsert, After: availableDelivery("D2", 0)})
	s.Forget("D1")
	require.Equal(t, []string{"D2"}, ids(s.Available()))
	s.Reset()
	require.Empty(t, s.Available())
}

func TestStore_Subscribe(t *testing.T) {
	s := New(session.New("X"), &fakeFetcher{})
	var got []Snapshot
	unsub := s.Subscribe(func(snap Snapshot) { got = append(got, snap) })

	s.ApplyChange(models.Change{Op: models.ChangeInsert, After: availableDelivery("D1", 0)})
	require.Len(t, got, 1)
	require.Len(t, got[0].Available, 1)

	unsub()
	s.ApplyChange(models.Change{Op: models.ChangeInsert, After: availableDelivery("D2", 0)})
	require.Len(t, got, 1)
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := New(session.New("X"), &fakeFetcher{})
	s.ApplyChange(models.Change{Op: models.ChangeInsert, After: availableDelivery("D1", 0)})
	s.Available()[0].Status = models.DeliveryStatusCancelled
	d, _ := s.Get("D1")
	require.Equal(t, models.DeliveryStatusAvailable, d.Status)
}

func TestStore_PartitionInvariant_RandomEvents(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	drivers := []string{"X", "Y", ""}
	statuses := []models.DeliveryStatus{
		models.DeliveryStatusAvailable, models.DeliveryStatusAssigned, models.DeliveryStatusPickedUp,
		models.DeliveryStatusOnTheWay, models.DeliveryStatusDelivered, models.DeliveryStatusCancelled,
	}
	ops := []models.ChangeOp{models.ChangeInsert, models.ChangeUpdate, models.ChangeUpdate, models.ChangeDelete}

	s := New(session.New("X"), &fakeFetcher{})
	for i := 0; i < 5000; i++ {
		id := fmt.Sprintf("D%d", r.Intn(12))
		switch r.Intn(6) {
		case 0:
			s.ApplyOptimisticClaim(id, "X", t0)
		default:
			d := &models.Delivery{ID: id, Status: statuses[r.Intn(len(statuses))], CreatedAt: t0}
			if drv := drivers[r.Intn(len(drivers))]; drv != "" {
				d.DriverID = models.Ptr(drv)
			}
			s.ApplyChange(models.Change{Op: ops[r.Intn(len(ops))], After: d, Before: d})
		}
		requirePartition(t, s)
	}
}
