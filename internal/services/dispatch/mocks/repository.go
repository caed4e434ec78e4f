package mocks

import (
	"context"
	"time"

	"github.com/BearBump/HandOff/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func change(args mock.Arguments) (*models.Change, error) {
	ch, _ := args.Get(0).(*models.Change)
	return ch, args.Error(1)
}

func deliveries(args mock.Arguments) ([]*models.Delivery, error) {
	out, _ := args.Get(0).([]*models.Delivery)
	return out, args.Error(1)
}

func (m *MockRepository) CreateDelivery(ctx context.Context, d *models.Delivery) (*models.Change, error) {
	return change(m.Called(ctx, d))
}

func (m *MockRepository) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	args := m.Called(ctx, id)
	d, _ := args.Get(0).(*models.Delivery)
	return d, args.Error(1)
}

func (m *MockRepository) ClaimDelivery(ctx context.Context, deliveryID, driverID string) (*models.Change, error) {
	return change(m.Called(ctx, deliveryID, driverID))
}

func (m *MockRepository) AssignIfAvailable(ctx context.Context, deliveryID, driverID string, at time.Time) (*models.Change, error) {
	return change(m.Called(ctx, deliveryID, driverID, at))
}

func (m *MockRepository) UpdateDeliveryStatus(ctx context.Context, deliveryID, driverID string, status models.DeliveryStatus, at time.Time) (*models.Change, error) {
	return change(m.Called(ctx, deliveryID, driverID, status, at))
}

func (m *MockRepository) ListDriverDeliveries(ctx context.Context, driverID string, statuses []models.DeliveryStatus) ([]*models.Delivery, error) {
	return deliveries(m.Called(ctx, driverID, statuses))
}

func (m *MockRepository) ListAvailableDeliveries(ctx context.Context, limit int) ([]*models.Delivery, error) {
	return deliveries(m.Called(ctx, limit))
}

func (m *MockRepository) SetDriverAvailability(ctx context.Context, driverID string, available bool) error {
	return m.Called(ctx, driverID, available).Error(0)
}

func (m *MockRepository) RecordDriverLocation(ctx context.Context, loc models.DriverLocation) error {
	return m.Called(ctx, loc).Error(0)
}

func (m *MockRepository) LatestDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	args := m.Called(ctx, driverID)
	loc, _ := args.Get(0).(*models.DriverLocation)
	return loc, args.Error(1)
}

func (m *MockRepository) UpsertOrder(ctx context.Context, o models.Order) (*models.Order, error) {
	args := m.Called(ctx, o)
	out, _ := args.Get(0).(*models.Order)
	return out, args.Error(1)
}

func (m *MockRepository) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	args := m.Called(ctx, id)
	out, _ := args.Get(0).(*models.Order)
	return out, args.Error(1)
}

func (m *MockRepository) AppendEvent(ctx context.Context, ev models.DeliveryEvent) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *MockRepository) ListOrderEvents(ctx context.Context, orderID string) ([]*models.DeliveryEvent, error) {
	args := m.Called(ctx, orderID)
	out, _ := args.Get(0).([]*models.DeliveryEvent)
	return out, args.Error(1)
}

func (m *MockRepository) GrantCredit(ctx context.Context, g models.CreditGrant) (bool, error) {
	args := m.Called(ctx, g)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) GetBackupCandidates(ctx context.Context, restaurantID string) ([]models.BackupCandidate, error) {
	args := m.Called(ctx, restaurantID)
	out, _ := args.Get(0).([]models.BackupCandidate)
	return out, args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishJSON(ctx context.Context, topic, key string, v any) error {
	return m.Called(ctx, topic, key, v).Error(0)
}
