package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventPrepDelayDetected   = "prep_delay_detected"
	EventDriverDelayDetected = "driver_delay_detected"
	EventDelayCreditGranted  = "delay_credit_granted"
	EventRerouteDecision     = "reroute_decision"
)

// DeliveryEvent is an append-only audit row. IdempotencyKey collapses retries.
type DeliveryEvent struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	DriverID       *string         `json:"driver_id,omitempty"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

type CreditGrant struct {
	UserID         string  `json:"user_id"`
	Amount         float64 `json:"amount"`
	Reason         string  `json:"reason"`
	IdempotencyKey string  `json:"idempotency_key"`
	OrderID        string  `json:"order_id"`
}

// NewDeliveryEvent builds an event with a fresh id and a JSON payload.
func NewDeliveryEvent(orderID string, driverID *string, eventType, idempotencyKey string, payload any, at time.Time) (DeliveryEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return DeliveryEvent{}, err
		}
		raw = b
	}
	return DeliveryEvent{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		DriverID:       driverID,
		EventType:      eventType,
		Payload:        raw,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      at.UTC(),
	}, nil
}
