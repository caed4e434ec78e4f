package models

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusPickedUp  OrderStatus = "picked_up"
	OrderStatusOnTheWay  OrderStatus = "on_the_way"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

type Order struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	RestaurantID string      `json:"restaurant_id"`
	DriverID     *string     `json:"driver_id,omitempty"`
	Status       OrderStatus `json:"status"`

	EtaPromise        *time.Time `json:"eta_promise,omitempty"`
	EtaConfidenceLow  *time.Time `json:"eta_confidence_low,omitempty"`
	EtaConfidenceHigh *time.Time `json:"eta_confidence_high,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EtaBand is a whole-minute arrival interval relative to an anchor time.
type EtaBand struct {
	LowMinutes  int `json:"eta_low_minutes"`
	HighMinutes int `json:"eta_high_minutes"`
}

func (b EtaBand) Width() int { return b.HighMinutes - b.LowMinutes }

type BackupCandidate struct {
	RestaurantID  string  `json:"restaurant_id"`
	Name          string  `json:"name"`
	Priority      int     `json:"priority"`
	Active        bool    `json:"active"`
	PrepP50       int     `json:"prep_p50_minutes"`
	PrepP90       int     `json:"prep_p90_minutes"`
	BufferMinutes int     `json:"buffer_minutes"`
	TravelMinutes int     `json:"travel_minutes"`
	Reliability   float64 `json:"reliability_score"`

	Band EtaBand `json:"eta_band"`
}
