package models

import (
	"time"

	"github.com/pkg/errors"
)

type DeliveryStatus string

const (
	DeliveryStatusAvailable DeliveryStatus = "available"
	DeliveryStatusAssigned  DeliveryStatus = "assigned"
	DeliveryStatusPickedUp  DeliveryStatus = "picked_up"
	DeliveryStatusOnTheWay  DeliveryStatus = "on_the_way"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

var ErrInvalidTransition = errors.New("invalid delivery status transition")

// Statuses a driver is actively working on. "mine" is loaded from this set.
var ActiveDeliveryStatuses = []DeliveryStatus{
	DeliveryStatusAssigned,
	DeliveryStatusPickedUp,
	DeliveryStatusOnTheWay,
}

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryStatusAvailable, DeliveryStatusAssigned, DeliveryStatusPickedUp,
		DeliveryStatusOnTheWay, DeliveryStatusDelivered, DeliveryStatusCancelled:
		return true
	default:
		return false
	}
}

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusCancelled
}

func (s DeliveryStatus) IsActive() bool {
	for _, a := range ActiveDeliveryStatuses {
		if a == s {
			return true
		}
	}
	return false
}

// RequiresDriver reports whether a delivery in this status must carry a driver.
func (s DeliveryStatus) RequiresDriver() bool {
	switch s {
	case DeliveryStatusAssigned, DeliveryStatusPickedUp, DeliveryStatusOnTheWay, DeliveryStatusDelivered:
		return true
	default:
		return false
	}
}

// forward is the happy-path order; cancelled hangs off every non-terminal step.
var forward = map[DeliveryStatus]DeliveryStatus{
	DeliveryStatusAvailable: DeliveryStatusAssigned,
	DeliveryStatusAssigned:  DeliveryStatusPickedUp,
	DeliveryStatusPickedUp:  DeliveryStatusOnTheWay,
	DeliveryStatusOnTheWay:  DeliveryStatusDelivered,
}

// NextDeliveryStatuses returns all valid next states from a given state.
func NextDeliveryStatuses(from DeliveryStatus) []DeliveryStatus {
	if from.IsTerminal() || !from.IsValid() {
		return nil
	}
	return []DeliveryStatus{forward[from], DeliveryStatusCancelled}
}

// CanTransition checks a single step of the delivery lifecycle.
func CanTransition(from, to DeliveryStatus) error {
	for _, next := range NextDeliveryStatuses(from) {
		if next == to {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
}

type Location struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

type Delivery struct {
	ID       string         `json:"id"`
	OrderID  string         `json:"order_id"`
	Status   DeliveryStatus `json:"status"`
	DriverID *string        `json:"driver_id,omitempty"`

	Pickup  Location `json:"pickup"`
	Dropoff Location `json:"dropoff"`

	Fee            float64 `json:"fee"`
	DriverEarnings float64 `json:"driver_earnings"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	PickedUpAt  *time.Time `json:"picked_up_at,omitempty"`
	OnTheWayAt  *time.Time `json:"on_the_way_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Pending marks a local optimistic edit not yet confirmed by the feed.
	Pending bool `json:"-"`
}

func (d *Delivery) HeldBy(driverID string) bool {
	return d != nil && d.DriverID != nil && *d.DriverID == driverID
}

// Clone returns a deep copy so callers can't mutate store-owned records.
func (d *Delivery) Clone() *Delivery {
	if d == nil {
		return nil
	}
	c := *d
	c.DriverID = cloneString(d.DriverID)
	c.AssignedAt = cloneTime(d.AssignedAt)
	c.PickedUpAt = cloneTime(d.PickedUpAt)
	c.OnTheWayAt = cloneTime(d.OnTheWayAt)
	c.DeliveredAt = cloneTime(d.DeliveredAt)
	c.CancelledAt = cloneTime(d.CancelledAt)
	return &c
}

// StampTransition sets the timestamp column belonging to status.
func (d *Delivery) StampTransition(status DeliveryStatus, at time.Time) {
	t := at
	switch status {
	case DeliveryStatusAssigned:
		d.AssignedAt = &t
	case DeliveryStatusPickedUp:
		d.PickedUpAt = &t
	case DeliveryStatusOnTheWay:
		d.OnTheWayAt = &t
	case DeliveryStatusDelivered:
		d.DeliveredAt = &t
	case DeliveryStatusCancelled:
		d.CancelledAt = &t
	}
	d.UpdatedAt = t
}

type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change is one row-level notification from the deliveries change feed.
type Change struct {
	Op     ChangeOp  `json:"op"`
	Before *Delivery `json:"before,omitempty"`
	After  *Delivery `json:"after,omitempty"`
}

// Record returns the row the change is about: After for insert/update, Before for delete.
func (c Change) Record() *Delivery {
	if c.Op == ChangeDelete {
		if c.Before != nil {
			return c.Before
		}
		return c.After
	}
	if c.After != nil {
		return c.After
	}
	return c.Before
}

type DriverLocation struct {
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func Ptr[T any](v T) *T { return &v }
