package messages

import (
	"time"

	"github.com/BearBump/HandOff/internal/models"
)

// DeliveryChanged is one row change of the deliveries table. Key: delivery id.
type DeliveryChanged struct {
	Op        models.ChangeOp  `json:"op"`
	Before    *models.Delivery `json:"before,omitempty"`
	After     *models.Delivery `json:"after,omitempty"`
	ChangedAt time.Time        `json:"changed_at"`
}

func (m DeliveryChanged) Change() models.Change {
	return models.Change{Op: m.Op, Before: m.Before, After: m.After}
}

func (m DeliveryChanged) Key() string {
	if r := m.Change().Record(); r != nil {
		return r.ID
	}
	return ""
}

// OrderChanged carries the order row after the change. Key: order id.
type OrderChanged struct {
	Order     models.Order `json:"order"`
	ChangedAt time.Time    `json:"changed_at"`
}

// LocationRecorded is published for every accepted driver ping. Key: driver id.
type LocationRecorded struct {
	Location models.DriverLocation `json:"location"`
}

type NotificationKind string

const (
	NotificationPickedUp  NotificationKind = "picked_up"
	NotificationDelivered NotificationKind = "delivered"
)

// Notification is a push to the customer of an order. Key: order id.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	OrderID    string           `json:"order_id"`
	DeliveryID string           `json:"delivery_id"`
	DriverID   string           `json:"driver_id,omitempty"`
	Title      string           `json:"title"`
	Body       string           `json:"body"`
	CreatedAt  time.Time        `json:"created_at"`
}
