package claim

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/HandOff/internal/metrics"
	"github.com/BearBump/HandOff/internal/models"
)

type AvailabilityBackend interface {
	ListDriverDeliveries(ctx context.Context, driverID string, statuses []models.DeliveryStatus) ([]*models.Delivery, error)
	SetDriverAvailability(ctx context.Context, driverID string, available bool) error
}

// Reconciler repairs driver availability left stale by a fallback claim whose
// second step failed. A driver holding an active delivery is marked
// unavailable; otherwise the entry is dropped.
type Reconciler struct {
	backend AvailabilityBackend
	queue   RepairQueue

	interval  time.Duration
	batchSize int

	triggerCh chan struct{}

	lastCycleUnixNano atomic.Int64
	totalRepaired     atomic.Int64
	totalSkipped      atomic.Int64
	totalErrors       atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func NewReconciler(backend AvailabilityBackend, queue RepairQueue) *Reconciler {
	return &Reconciler{
		backend:   backend,
		queue:     queue,
		interval:  30 * time.Second,
		batchSize: 50,
		triggerCh: make(chan struct{}, 1),
	}
}

func (r *Reconciler) WithSettings(interval time.Duration, batchSize int) *Reconciler {
	if interval > 0 {
		r.interval = interval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	return r
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (r *Reconciler) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type ReconcilerStats struct {
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	TotalRepaired int64      `json:"totalRepaired"`
	TotalSkipped  int64      `json:"totalSkipped"`
	TotalErrors   int64      `json:"totalErrors"`
	LastError     string     `json:"lastError,omitempty"`
}

func (r *Reconciler) Stats() ReconcilerStats {
	st := ReconcilerStats{
		TotalRepaired: r.totalRepaired.Load(),
		TotalSkipped:  r.totalSkipped.Load(),
		TotalErrors:   r.totalErrors.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.RunOnce(ctx)
		case <-r.triggerCh:
			r.RunOnce(ctx)
		}
	}
}

func (r *Reconciler) RunOnce(ctx context.Context) {
	r.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())

	drivers, err := r.queue.Pop(ctx, r.batchSize)
	if err != nil {
		r.fail("pop availability repairs", "", err)
		return
	}

	for _, driverID := range drivers {
		if err := r.repairOne(ctx, driverID); err != nil {
			r.fail("repair driver availability", driverID, err)
			metrics.AvailabilityRepairsTotal.WithLabelValues("error").Inc()
			if pushErr := r.queue.Push(ctx, driverID); pushErr != nil {
				slog.Error("requeue availability repair", "driver_id", driverID, "error", pushErr.Error())
			}
		}
	}
}

func (r *Reconciler) repairOne(ctx context.Context, driverID string) error {
	active, err := r.backend.ListDriverDeliveries(ctx, driverID, models.ActiveDeliveryStatuses)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		r.totalSkipped.Add(1)
		metrics.AvailabilityRepairsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if err := r.backend.SetDriverAvailability(ctx, driverID, false); err != nil {
		return err
	}
	r.totalRepaired.Add(1)
	metrics.AvailabilityRepairsTotal.WithLabelValues("repaired").Inc()
	slog.Info("driver availability repaired", "driver_id", driverID, "active_deliveries", len(active))
	return nil
}

func (r *Reconciler) fail(msg, driverID string, err error) {
	r.totalErrors.Add(1)
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
	slog.Error(msg, "driver_id", driverID, "error", err.Error())
}
