package delay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/HandOff/internal/models"
)

type LocationSource interface {
	LatestDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error)
}

// Watcher feeds the Detector: it re-evaluates an order on every order change,
// on every location update of its driver and periodically, since a prep delay
// can become due without any data changing. Order and location updates may
// arrive in any relative order.
type Watcher struct {
	det       *Detector
	locations LocationSource
	interval  time.Duration
	now       func() time.Time
	driverID  string

	mu     sync.Mutex
	orders map[string]models.Order
	latest map[string]*models.DriverLocation
}

func NewWatcher(det *Detector, locations LocationSource) *Watcher {
	return &Watcher{
		det:       det,
		locations: locations,
		interval:  30 * time.Second,
		now:       func() time.Time { return time.Now().UTC() },
		orders:    make(map[string]models.Order),
		latest:    make(map[string]*models.DriverLocation),
	}
}

func (w *Watcher) WithInterval(d time.Duration) *Watcher {
	if d > 0 {
		w.interval = d
	}
	return w
}

// WithDriver scopes the watcher to one driver's orders: an order reassigned
// to someone else is dropped instead of evaluated.
func (w *Watcher) WithDriver(driverID string) *Watcher {
	w.driverID = driverID
	return w
}

func (w *Watcher) WithClock(now func() time.Time) *Watcher {
	if now != nil {
		w.now = now
	}
	return w
}

func (w *Watcher) OnOrder(ctx context.Context, order models.Order) []models.DeliveryEvent {
	w.mu.Lock()
	if prev, ok := w.orders[order.ID]; ok && order.UpdatedAt.Before(prev.UpdatedAt) {
		// older snapshot replayed by the feed
		order = prev
	}
	if !w.owns(order) {
		delete(w.orders, order.ID)
		w.mu.Unlock()
		return nil
	}
	if PhaseOf(order.Status) == PhaseTerminal {
		delete(w.orders, order.ID)
	} else {
		w.orders[order.ID] = order
	}
	w.mu.Unlock()

	return w.evaluate(ctx, order)
}

// Tracks reports whether orderID is currently watched.
func (w *Watcher) Tracks(orderID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.orders[orderID]
	return ok
}

func (w *Watcher) owns(order models.Order) bool {
	if w.driverID == "" {
		return true
	}
	return order.DriverID != nil && *order.DriverID == w.driverID
}

func (w *Watcher) OnLocation(ctx context.Context, loc models.DriverLocation) []models.DeliveryEvent {
	w.mu.Lock()
	if prev, ok := w.latest[loc.DriverID]; !ok || loc.RecordedAt.After(prev.RecordedAt) {
		l := loc
		w.latest[loc.DriverID] = &l
	}
	var affected []models.Order
	for _, o := range w.orders {
		if o.DriverID != nil && *o.DriverID == loc.DriverID {
			affected = append(affected, o)
		}
	}
	w.mu.Unlock()

	var out []models.DeliveryEvent
	for _, o := range affected {
		out = append(out, w.evaluate(ctx, o)...)
	}
	return out
}

// Tick re-evaluates every tracked order.
func (w *Watcher) Tick(ctx context.Context) []models.DeliveryEvent {
	w.mu.Lock()
	orders := make([]models.Order, 0, len(w.orders))
	for _, o := range w.orders {
		orders = append(orders, o)
	}
	w.mu.Unlock()

	var out []models.DeliveryEvent
	for _, o := range orders {
		out = append(out, w.evaluate(ctx, o)...)
	}
	return out
}

func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.Tick(ctx)
		}
	}
}

func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.orders)
}

func (w *Watcher) evaluate(ctx context.Context, order models.Order) []models.DeliveryEvent {
	var loc *models.DriverLocation
	if PhaseOf(order.Status) == PhaseTransit && order.DriverID != nil {
		loc = w.location(ctx, *order.DriverID)
	}
	return w.det.Evaluate(ctx, order, loc, w.now())
}

// location returns the newer of the last pushed update and the backend's.
func (w *Watcher) location(ctx context.Context, driverID string) *models.DriverLocation {
	w.mu.Lock()
	pushed := w.latest[driverID]
	w.mu.Unlock()
	if w.locations == nil {
		return pushed
	}

	stored, err := w.locations.LatestDriverLocation(ctx, driverID)
	if err != nil {
		slog.Warn("latest driver location", "driver_id", driverID, "error", err.Error())
		return pushed
	}
	if stored == nil || (pushed != nil && !stored.RecordedAt.After(pushed.RecordedAt)) {
		return pushed
	}
	return stored
}
