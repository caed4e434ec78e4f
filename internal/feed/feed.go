package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BearBump/HandOff/internal/broker/messages"
	"github.com/BearBump/HandOff/internal/models"
	"github.com/pkg/errors"
)

type Table string

const (
	TableDeliveries Table = "deliveries"
	TableOrders     Table = "orders"
	TableLocations  Table = "driver_locations"
)

var ErrUnknownTable = errors.New("unknown table")

// Source is one topic's message stream; kafka.Consumer satisfies it.
type Source interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

// Event is a decoded feed message. Exactly one payload field is set,
// according to Table.
type Event struct {
	Table    Table
	Key      string
	Change   *models.Change
	Order    *models.Order
	Location *models.DriverLocation
}

type Filter func(Event) bool

type Handler func(ctx context.Context, ev Event) error

// Feed maps tables to their change streams. Delivery is at least once and
// per-key ordered, so handlers must be idempotent.
type Feed struct {
	sources map[Table]Source
}

func New() *Feed {
	return &Feed{sources: make(map[Table]Source)}
}

func (f *Feed) Register(table Table, src Source) *Feed {
	f.sources[table] = src
	return f
}

// Subscribe blocks, handing every matching event to handler until ctx is
// cancelled; cancelling is the way to unsubscribe and returns nil. A message
// that cannot be decoded is logged and skipped. A handler error stops the
// subscription before the message is committed.
func (f *Feed) Subscribe(ctx context.Context, table Table, filter Filter, handler Handler) error {
	src, ok := f.sources[table]
	if !ok {
		return errors.Wrapf(ErrUnknownTable, "%q", table)
	}

	err := src.Consume(ctx, func(key, value []byte) error {
		ev, err := decode(table, key, value)
		if err != nil {
			slog.Warn("feed: skip undecodable message", "table", string(table), "key", string(key), "error", err.Error())
			return nil
		}
		if filter != nil && !filter(ev) {
			return nil
		}
		return handler(ctx, ev)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func decode(table Table, key, value []byte) (Event, error) {
	ev := Event{Table: table, Key: string(key)}
	switch table {
	case TableDeliveries:
		var m messages.DeliveryChanged
		if err := json.Unmarshal(value, &m); err != nil {
			return ev, errors.Wrap(err, "unmarshal delivery change")
		}
		ch := m.Change()
		if ch.Record() == nil {
			return ev, errors.New("delivery change without row")
		}
		ev.Change = &ch
	case TableOrders:
		var m messages.OrderChanged
		if err := json.Unmarshal(value, &m); err != nil {
			return ev, errors.Wrap(err, "unmarshal order change")
		}
		if m.Order.ID == "" {
			return ev, errors.New("order change without id")
		}
		ev.Order = &m.Order
	case TableLocations:
		var m messages.LocationRecorded
		if err := json.Unmarshal(value, &m); err != nil {
			return ev, errors.Wrap(err, "unmarshal location")
		}
		if m.Location.DriverID == "" {
			return ev, errors.New("location without driver")
		}
		ev.Location = &m.Location
	default:
		return ev, errors.Wrapf(ErrUnknownTable, "%q", table)
	}
	return ev, nil
}

// ForDriver keeps delivery changes that concern driverID: rows the driver
// holds or held before the change, and available rows when
// includeAvailable is set. With includeAvailable, a change that carries no
// before image also passes. Order and location events pass when they belong
// to the driver.
func ForDriver(driverID string, includeAvailable bool) Filter {
	return func(ev Event) bool {
		switch {
		case ev.Change != nil:
			if ev.Change.Before.HeldBy(driverID) || ev.Change.After.HeldBy(driverID) {
				return true
			}
			if !includeAvailable {
				return false
			}
			r := ev.Change.Record()
			if ev.Change.Op == models.ChangeDelete {
				return true
			}
			if r.Status == models.DeliveryStatusAvailable {
				return true
			}
			// leaving the pool must reach the session too; without a before
			// image the row may have left it
			return ev.Change.Before == nil || ev.Change.Before.Status == models.DeliveryStatusAvailable
		case ev.Order != nil:
			return ev.Order.DriverID != nil && *ev.Order.DriverID == driverID
		case ev.Location != nil:
			return ev.Location.DriverID == driverID
		}
		return false
	}
}
