package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/HandOff/internal/broker/messages"
	"github.com/BearBump/HandOff/internal/models"
)

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Notifier sends customer pushes on delivery milestones. Sending is best
// effort; a failure never fails the transition that caused it.
type Notifier struct {
	pub   Publisher
	topic string
	now   func() time.Time
}

func New(pub Publisher, topic string) *Notifier {
	return &Notifier{pub: pub, topic: topic, now: func() time.Time { return time.Now().UTC() }}
}

// DeliveryTransitioned notifies for picked_up and delivered; other statuses
// are ignored. It reports whether a push was sent.
func (n *Notifier) DeliveryTransitioned(ctx context.Context, d *models.Delivery) bool {
	if n == nil || n.pub == nil || d == nil {
		return false
	}
	msg, ok := n.message(d)
	if !ok {
		return false
	}
	if err := n.pub.PublishJSON(ctx, n.topic, d.OrderID, msg); err != nil {
		slog.Warn("push notification failed", "order_id", d.OrderID, "kind", string(msg.Kind), "error", err.Error())
		return false
	}
	return true
}

func (n *Notifier) message(d *models.Delivery) (messages.Notification, bool) {
	m := messages.Notification{
		OrderID:    d.OrderID,
		DeliveryID: d.ID,
		CreatedAt:  n.now(),
	}
	if d.DriverID != nil {
		m.DriverID = *d.DriverID
	}
	switch d.Status {
	case models.DeliveryStatusPickedUp:
		m.Kind = messages.NotificationPickedUp
		m.Title = "Your order is on its way"
		m.Body = fmt.Sprintf("Order %s has been picked up by your driver.", d.OrderID)
	case models.DeliveryStatusDelivered:
		m.Kind = messages.NotificationDelivered
		m.Title = "Order delivered"
		m.Body = fmt.Sprintf("Order %s has been delivered. Enjoy!", d.OrderID)
	default:
		return m, false
	}
	return m, true
}
