package delay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/HandOff/internal/metrics"
	"github.com/BearBump/HandOff/internal/models"
)

type Phase string

const (
	PhasePrep     Phase = "prep"
	PhaseTransit  Phase = "transit"
	PhaseTerminal Phase = "terminal"
	PhaseUnknown  Phase = "unknown"
)

func PhaseOf(status models.OrderStatus) Phase {
	switch status {
	case models.OrderStatusPending, models.OrderStatusConfirmed, models.OrderStatusPreparing, models.OrderStatusReady:
		return PhasePrep
	case models.OrderStatusPickedUp, models.OrderStatusOnTheWay:
		return PhaseTransit
	case models.OrderStatusDelivered, models.OrderStatusCancelled:
		return PhaseTerminal
	default:
		return PhaseUnknown
	}
}

func PrepDelayKey(orderID string) string   { return "prep_delay_" + orderID }
func DriverDelayKey(orderID string) string { return "driver_delay_" + orderID }

// EventAppender writes audit events, deduplicating on IdempotencyKey.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev models.DeliveryEvent) error
}

// GuardStore is a shared, restart-surviving record of flags already raised.
type GuardStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// Detector raises each delay signal at most once per order and phase. The
// in-memory guard is a shortcut; the GuardStore and the idempotency key on
// the event write are what make emission exactly-once across restarts.
type Detector struct {
	events     EventAppender
	guards     GuardStore
	staleAfter time.Duration
	guardTTL   time.Duration

	mu      sync.Mutex
	flagged map[string]struct{}
}

func New(events EventAppender, guards GuardStore) *Detector {
	return &Detector{
		events:     events,
		guards:     guards,
		staleAfter: 5 * time.Minute,
		guardTTL:   48 * time.Hour,
		flagged:    make(map[string]struct{}),
	}
}

func (d *Detector) WithSettings(staleAfter, guardTTL time.Duration) *Detector {
	if staleAfter > 0 {
		d.staleAfter = staleAfter
	}
	if guardTTL > 0 {
		d.guardTTL = guardTTL
	}
	return d
}

// Evaluate classifies the order and emits any delay event due at now. It
// returns the events this call handed to the appender. An appender that
// deduplicates may have dropped one of them when another session raised
// the same flag first, so a returned event is an attempted write, not proof
// of a new row. Write failures are logged and swallowed; the next
// evaluation retries them.
func (d *Detector) Evaluate(ctx context.Context, order models.Order, lastLocation *models.DriverLocation, now time.Time) []models.DeliveryEvent {
	switch PhaseOf(order.Status) {
	case PhasePrep:
		if order.EtaConfidenceHigh == nil || !now.After(*order.EtaConfidenceHigh) {
			return nil
		}
		payload := map[string]any{
			"phase":               PhasePrep,
			"status":              order.Status,
			"eta_confidence_high": order.EtaConfidenceHigh.UTC(),
			"detected_at":         now.UTC(),
			"late_by_seconds":     int64(now.Sub(*order.EtaConfidenceHigh).Seconds()),
		}
		return d.emit(ctx, order, models.EventPrepDelayDetected, PrepDelayKey(order.ID), payload, now)

	case PhaseTransit:
		// No location yet: measure from the last order update (entry into transit).
		seenAt := order.UpdatedAt
		if lastLocation != nil {
			seenAt = lastLocation.RecordedAt
		}
		if now.Sub(seenAt) <= d.staleAfter {
			return nil
		}
		payload := map[string]any{
			"phase":            PhaseTransit,
			"status":           order.Status,
			"last_location_at": seenAt.UTC(),
			"detected_at":      now.UTC(),
			"stale_seconds":    int64(now.Sub(seenAt).Seconds()),
		}
		return d.emit(ctx, order, models.EventDriverDelayDetected, DriverDelayKey(order.ID), payload, now)

	case PhaseTerminal:
		d.Forget(order.ID)
	}
	return nil
}

func (d *Detector) emit(ctx context.Context, order models.Order, eventType, key string, payload any, now time.Time) []models.DeliveryEvent {
	if d.isFlagged(key) {
		return nil
	}
	if d.guards != nil {
		seen, err := d.guards.Seen(ctx, key)
		if err != nil {
			slog.Warn("delay guard lookup failed", "key", key, "error", err.Error())
		} else if seen {
			d.setFlagged(key)
			return nil
		}
	}

	ev, err := models.NewDeliveryEvent(order.ID, order.DriverID, eventType, key, payload, now)
	if err != nil {
		slog.Error("build delay event", "order_id", order.ID, "event_type", eventType, "error", err.Error())
		return nil
	}
	if err := d.events.AppendEvent(ctx, ev); err != nil {
		metrics.DelayEmitErrorsTotal.Inc()
		slog.Error("append delay event", "order_id", order.ID, "event_type", eventType, "error", err.Error())
		return nil
	}

	d.setFlagged(key)
	if d.guards != nil {
		if err := d.guards.Mark(ctx, key, d.guardTTL); err != nil {
			slog.Warn("delay guard mark failed", "key", key, "error", err.Error())
		}
	}
	metrics.DelayFlagsTotal.WithLabelValues(eventType).Inc()
	slog.Info("delay detected", "order_id", order.ID, "event_type", eventType, "key", key)
	return []models.DeliveryEvent{ev}
}

// Forget drops the in-memory guards of an order.
func (d *Detector) Forget(orderID string) {
	d.mu.Lock()
	delete(d.flagged, PrepDelayKey(orderID))
	delete(d.flagged, DriverDelayKey(orderID))
	d.mu.Unlock()
}

func (d *Detector) isFlagged(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.flagged[key]
	return ok
}

func (d *Detector) setFlagged(key string) {
	d.mu.Lock()
	d.flagged[key] = struct{}{}
	d.mu.Unlock()
}
