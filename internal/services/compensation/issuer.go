package compensation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/HandOff/internal/metrics"
	"github.com/BearBump/HandOff/internal/models"
	"github.com/pkg/errors"
)

// Ledger grants a credit at most once per idempotency key. GrantCredit
// reports true when a grant with the key exists after the call, whether it
// was inserted now or by an earlier attempt.
type Ledger interface {
	GrantCredit(ctx context.Context, grant models.CreditGrant) (bool, error)
}

type EventAppender interface {
	AppendEvent(ctx context.Context, ev models.DeliveryEvent) error
}

func DelayCreditKey(orderID string) string { return "delay_credit_" + orderID }

func delayCreditEventKey(orderID string) string { return "delay_credit_event_" + orderID }

type Issuer struct {
	ledger Ledger
	events EventAppender
	now    func() time.Time
}

func New(ledger Ledger, events EventAppender) *Issuer {
	return &Issuer{
		ledger: ledger,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	if now != nil {
		i.now = now
	}
	return i
}

func validate(g models.CreditGrant) error {
	switch {
	case strings.TrimSpace(g.UserID) == "":
		return errors.New("userId is required")
	case strings.TrimSpace(g.OrderID) == "":
		return errors.New("orderId is required")
	case strings.TrimSpace(g.IdempotencyKey) == "":
		return errors.New("idempotencyKey is required")
	case g.Amount <= 0:
		return errors.New("amount must be positive")
	}
	return nil
}

// GrantDelayCredit is safe to retry with the same key: the ledger collapses
// repeats into one grant and every repeat reports true. Failures are logged
// and reported as false.
func (i *Issuer) GrantDelayCredit(ctx context.Context, userID string, amount float64, reason, idempotencyKey, orderID string) bool {
	grant := models.CreditGrant{
		UserID:         userID,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		OrderID:        orderID,
	}
	if err := validate(grant); err != nil {
		metrics.CreditGrantsTotal.WithLabelValues("invalid").Inc()
		slog.Warn("delay credit rejected", "order_id", orderID, "error", err.Error())
		return false
	}

	ok, err := i.ledger.GrantCredit(ctx, grant)
	if err != nil {
		metrics.CreditGrantsTotal.WithLabelValues("error").Inc()
		slog.Error("grant delay credit", "order_id", orderID, "key", idempotencyKey, "error", err.Error())
		return false
	}
	if !ok {
		metrics.CreditGrantsTotal.WithLabelValues("not_granted").Inc()
		return false
	}
	metrics.CreditGrantsTotal.WithLabelValues("granted").Inc()

	i.audit(ctx, grant)
	return true
}

func (i *Issuer) audit(ctx context.Context, g models.CreditGrant) {
	if i.events == nil {
		return
	}
	payload := map[string]any{
		"user_id":         g.UserID,
		"amount":          g.Amount,
		"reason":          g.Reason,
		"idempotency_key": g.IdempotencyKey,
	}
	ev, err := models.NewDeliveryEvent(g.OrderID, nil, models.EventDelayCreditGranted, delayCreditEventKey(g.OrderID), payload, i.now())
	if err != nil {
		slog.Error("build credit event", "order_id", g.OrderID, "error", err.Error())
		return
	}
	if err := i.events.AppendEvent(ctx, ev); err != nil {
		slog.Error("append credit event", "order_id", g.OrderID, "error", err.Error())
	}
}
