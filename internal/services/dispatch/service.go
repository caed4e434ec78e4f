package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/HandOff/internal/broker/messages"
	"github.com/BearBump/HandOff/internal/cache"
	"github.com/BearBump/HandOff/internal/models"
	"github.com/BearBump/HandOff/internal/services/eta"
	"github.com/pkg/errors"
)

var ErrInvalidArgument = errors.New("invalid argument")

type Repository interface {
	CreateDelivery(ctx context.Context, d *models.Delivery) (*models.Change, error)
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ClaimDelivery(ctx context.Context, deliveryID, driverID string) (*models.Change, error)
	AssignIfAvailable(ctx context.Context, deliveryID, driverID string, at time.Time) (*models.Change, error)
	UpdateDeliveryStatus(ctx context.Context, deliveryID, driverID string, status models.DeliveryStatus, at time.Time) (*models.Change, error)
	ListDriverDeliveries(ctx context.Context, driverID string, statuses []models.DeliveryStatus) ([]*models.Delivery, error)
	ListAvailableDeliveries(ctx context.Context, limit int) ([]*models.Delivery, error)

	SetDriverAvailability(ctx context.Context, driverID string, available bool) error
	RecordDriverLocation(ctx context.Context, loc models.DriverLocation) error
	LatestDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error)

	UpsertOrder(ctx context.Context, o models.Order) (*models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)

	AppendEvent(ctx context.Context, ev models.DeliveryEvent) error
	ListOrderEvents(ctx context.Context, orderID string) ([]*models.DeliveryEvent, error)
	GrantCredit(ctx context.Context, g models.CreditGrant) (bool, error)
	GetBackupCandidates(ctx context.Context, restaurantID string) ([]models.BackupCandidate, error)
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Notifier is told about every committed delivery transition.
type Notifier interface {
	DeliveryTransitioned(ctx context.Context, d *models.Delivery) bool
}

type Topics struct {
	DeliveryChanged string
	OrderChanged    string
	Location        string
}

// Service owns the backend's write path: every committed mutation is
// published to the change feed afterwards. Publishing is best effort; the
// database is the source of truth and the feed is at least once.
type Service struct {
	repo      Repository
	pub       Publisher
	notifier  Notifier
	topics    Topics
	cache     cache.BytesCache
	backupTTL time.Duration
	trust     eta.TrustConfig
	now       func() time.Time
}

func New(repo Repository, pub Publisher, topics Topics) *Service {
	return &Service{
		repo:   repo,
		pub:    pub,
		topics: topics,
		trust:  eta.DefaultTrustConfig(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithCache(c cache.BytesCache, backupTTL time.Duration) *Service {
	s.cache = c
	s.backupTTL = backupTTL
	return s
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithTrustConfig(cfg eta.TrustConfig) *Service {
	s.trust = cfg
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func invalid(msg string) error {
	return errors.Wrap(ErrInvalidArgument, msg)
}

func required(v, name string) error {
	if strings.TrimSpace(v) == "" {
		return invalid(name + " is required")
	}
	return nil
}

func (s *Service) CreateDelivery(ctx context.Context, d *models.Delivery) (*models.Delivery, error) {
	if d == nil {
		return nil, invalid("delivery is required")
	}
	if err := required(d.ID, "id"); err != nil {
		return nil, err
	}
	if err := required(d.OrderID, "order_id"); err != nil {
		return nil, err
	}
	if d.Fee < 0 || d.DriverEarnings < 0 {
		return nil, invalid("fee must not be negative")
	}
	ch, err := s.repo.CreateDelivery(ctx, d)
	if err != nil {
		return nil, err
	}
	s.publishDelivery(ctx, ch)
	return ch.After, nil
}

func (s *Service) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	if err := required(id, "id"); err != nil {
		return nil, err
	}
	return s.repo.GetDelivery(ctx, id)
}

// ClaimDelivery reports false when another driver got there first or the
// delivery does not exist.
func (s *Service) ClaimDelivery(ctx context.Context, deliveryID, driverID string) (bool, error) {
	if err := required(deliveryID, "delivery_id"); err != nil {
		return false, err
	}
	if err := required(driverID, "driver_id"); err != nil {
		return false, err
	}
	ch, err := s.repo.ClaimDelivery(ctx, deliveryID, driverID)
	if err != nil {
		return false, err
	}
	if ch == nil {
		return false, nil
	}
	s.publishDelivery(ctx, ch)
	return true, nil
}

func (s *Service) AssignIfAvailable(ctx context.Context, deliveryID, driverID string, at time.Time) (int64, error) {
	if err := required(deliveryID, "delivery_id"); err != nil {
		return 0, err
	}
	if err := required(driverID, "driver_id"); err != nil {
		return 0, err
	}
	if at.IsZero() {
		at = s.now()
	}
	ch, err := s.repo.AssignIfAvailable(ctx, deliveryID, driverID, at)
	if err != nil {
		return 0, err
	}
	if ch == nil {
		return 0, nil
	}
	s.publishDelivery(ctx, ch)
	return 1, nil
}

func (s *Service) UpdateDeliveryStatus(ctx context.Context, deliveryID, driverID string, status models.DeliveryStatus) (*models.Delivery, error) {
	if err := required(deliveryID, "delivery_id"); err != nil {
		return nil, err
	}
	if !status.IsValid() {
		return nil, invalid("unknown status " + string(status))
	}
	ch, err := s.repo.UpdateDeliveryStatus(ctx, deliveryID, driverID, status, s.now())
	if err != nil {
		return nil, err
	}
	s.publishDelivery(ctx, ch)
	if s.notifier != nil {
		s.notifier.DeliveryTransitioned(ctx, ch.After)
	}
	return ch.After, nil
}

func (s *Service) ListDriverDeliveries(ctx context.Context, driverID string, statuses []models.DeliveryStatus) ([]*models.Delivery, error) {
	if err := required(driverID, "driver_id"); err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if !st.IsValid() {
			return nil, invalid("unknown status " + string(st))
		}
	}
	return s.repo.ListDriverDeliveries(ctx, driverID, statuses)
}

func (s *Service) ListAvailableDeliveries(ctx context.Context, limit int) ([]*models.Delivery, error) {
	return s.repo.ListAvailableDeliveries(ctx, limit)
}

func (s *Service) SetDriverAvailability(ctx context.Context, driverID string, available bool) error {
	if err := required(driverID, "driver_id"); err != nil {
		return err
	}
	return s.repo.SetDriverAvailability(ctx, driverID, available)
}

func (s *Service) RecordDriverLocation(ctx context.Context, loc models.DriverLocation) error {
	if err := required(loc.DriverID, "driver_id"); err != nil {
		return err
	}
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
		return invalid("coordinates out of range")
	}
	if loc.RecordedAt.IsZero() {
		loc.RecordedAt = s.now()
	}
	if err := s.repo.RecordDriverLocation(ctx, loc); err != nil {
		return err
	}
	s.publish(ctx, s.topics.Location, loc.DriverID, messages.LocationRecorded{Location: loc})
	return nil
}

func (s *Service) LatestDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	if err := required(driverID, "driver_id"); err != nil {
		return nil, err
	}
	return s.repo.LatestDriverLocation(ctx, driverID)
}

func (s *Service) UpsertOrder(ctx context.Context, o models.Order) (*models.Order, error) {
	if err := required(o.ID, "id"); err != nil {
		return nil, err
	}
	if err := required(o.UserID, "user_id"); err != nil {
		return nil, err
	}
	if err := required(o.RestaurantID, "restaurant_id"); err != nil {
		return nil, err
	}
	if o.EtaConfidenceLow != nil && o.EtaConfidenceHigh != nil && o.EtaConfidenceHigh.Before(*o.EtaConfidenceLow) {
		return nil, invalid("eta_confidence_high is before eta_confidence_low")
	}
	saved, err := s.repo.UpsertOrder(ctx, o)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, s.topics.OrderChanged, saved.ID, messages.OrderChanged{Order: *saved, ChangedAt: saved.UpdatedAt})
	return saved, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if err := required(id, "id"); err != nil {
		return nil, err
	}
	return s.repo.GetOrder(ctx, id)
}

// EstimateInput is the restaurant's prep statistics for an order.
type EstimateInput struct {
	PrepP50       int     `json:"prep_p50_minutes"`
	PrepP90       int     `json:"prep_p90_minutes"`
	BufferMinutes int     `json:"buffer_minutes"`
	TravelMinutes int     `json:"travel_minutes"`
	Reliability   float64 `json:"reliability_score"`
}

// EstimateOrder computes a band anchored now and stores its bounds on the
// order. The promise is the high bound.
func (s *Service) EstimateOrder(ctx context.Context, orderID string, in EstimateInput) (*models.Order, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	band := eta.ComputeBand(in.PrepP50, in.PrepP90, in.BufferMinutes, in.TravelMinutes, in.Reliability)
	low, high := eta.ConfidenceTimes(s.now(), band)
	o.EtaConfidenceLow = &low
	o.EtaConfidenceHigh = &high
	o.EtaPromise = &high
	return s.UpsertOrder(ctx, *o)
}

type OrderETA struct {
	Band              *models.EtaBand `json:"band,omitempty"`
	EtaConfidenceLow  *time.Time      `json:"eta_confidence_low,omitempty"`
	EtaConfidenceHigh *time.Time      `json:"eta_confidence_high,omitempty"`
	Verdict           eta.Verdict     `json:"verdict"`
}

// OrderETA evaluates the stored band of an order for display. The band is
// expressed in minutes from the order's creation.
func (s *Service) OrderETA(ctx context.Context, orderID string) (*OrderETA, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.EtaConfidenceLow == nil || o.EtaConfidenceHigh == nil {
		return &OrderETA{Verdict: eta.Verdict{Reason: "no_estimate"}}, nil
	}
	anchor := o.CreatedAt
	band := models.EtaBand{
		LowMinutes:  int(o.EtaConfidenceLow.Sub(anchor).Round(time.Minute) / time.Minute),
		HighMinutes: int(o.EtaConfidenceHigh.Sub(anchor).Round(time.Minute) / time.Minute),
	}
	out := &OrderETA{Verdict: eta.Trust(band, anchor, o.UpdatedAt, s.now(), s.trust)}
	if out.Verdict.Trustworthy {
		out.Band = &band
		out.EtaConfidenceLow = o.EtaConfidenceLow
		out.EtaConfidenceHigh = o.EtaConfidenceHigh
	}
	return out, nil
}

func (s *Service) AppendEvent(ctx context.Context, ev models.DeliveryEvent) error {
	if err := required(ev.OrderID, "order_id"); err != nil {
		return err
	}
	if err := required(ev.EventType, "event_type"); err != nil {
		return err
	}
	if err := required(ev.IdempotencyKey, "idempotency_key"); err != nil {
		return err
	}
	if ev.ID == "" || ev.CreatedAt.IsZero() {
		fresh, err := models.NewDeliveryEvent(ev.OrderID, ev.DriverID, ev.EventType, ev.IdempotencyKey, nil, s.now())
		if err != nil {
			return err
		}
		if ev.ID == "" {
			ev.ID = fresh.ID
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = fresh.CreatedAt
		}
	}
	return s.repo.AppendEvent(ctx, ev)
}

func (s *Service) ListOrderEvents(ctx context.Context, orderID string) ([]*models.DeliveryEvent, error) {
	if err := required(orderID, "order_id"); err != nil {
		return nil, err
	}
	return s.repo.ListOrderEvents(ctx, orderID)
}

func (s *Service) GrantCredit(ctx context.Context, g models.CreditGrant) (bool, error) {
	if err := required(g.IdempotencyKey, "idempotency_key"); err != nil {
		return false, err
	}
	if g.Amount <= 0 {
		return false, invalid("amount must be positive")
	}
	return s.repo.GrantCredit(ctx, g)
}

// GetBackupCandidates is read through the cache; a cache failure falls back
// to the repository.
func (s *Service) GetBackupCandidates(ctx context.Context, restaurantID string) ([]models.BackupCandidate, error) {
	if err := required(restaurantID, "restaurant_id"); err != nil {
		return nil, err
	}
	useCache := s.cache != nil && s.backupTTL > 0
	key := backupsKey(restaurantID)
	if useCache {
		if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var out []models.BackupCandidate
			if json.Unmarshal(b, &out) == nil {
				return out, nil
			}
		}
	}

	out, err := s.repo.GetBackupCandidates(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	if useCache {
		if b, err := json.Marshal(out); err == nil {
			_ = s.cache.Set(ctx, key, b, s.backupTTL)
		}
	}
	return out, nil
}

func (s *Service) publishDelivery(ctx context.Context, ch *models.Change) {
	if ch == nil {
		return
	}
	msg := messages.DeliveryChanged{Op: ch.Op, Before: ch.Before, After: ch.After, ChangedAt: s.now()}
	s.publish(ctx, s.topics.DeliveryChanged, msg.Key(), msg)
}

func (s *Service) publish(ctx context.Context, topic, key string, v any) {
	if s.pub == nil || topic == "" {
		return
	}
	if err := s.pub.PublishJSON(ctx, topic, key, v); err != nil {
		slog.Error("publish change", "topic", topic, "key", key, "error", err.Error())
	}
}

func backupsKey(restaurantID string) string {
	return "restaurant:" + restaurantID + ":backups"
}
