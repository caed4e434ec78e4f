package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/BearBump/HandOff/internal/broker/messages"
	"github.com/BearBump/HandOff/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type publisherMock struct{ mock.Mock }

func (m *publisherMock) PublishJSON(ctx context.Context, topic, key string, v any) error {
	return m.Called(ctx, topic, key, v).Error(0)
}

func TestDeliveryTransitioned_PickedUp(t *testing.T) {
	pub := &publisherMock{}
	pub.On("PublishJSON", mock.Anything, "driver.notifications", "O1", mock.MatchedBy(func(v any) bool {
		m, ok := v.(messages.Notification)
		return ok && m.Kind == messages.NotificationPickedUp && m.DeliveryID == "d1" && m.DriverID == "A"
	})).Return(nil).Once()

	n := New(pub, "driver.notifications")
	d := &models.Delivery{ID: "d1", OrderID: "O1", Status: models.DeliveryStatusPickedUp, DriverID: models.Ptr("A")}
	require.True(t, n.DeliveryTransitioned(context.Background(), d))
	pub.AssertExpectations(t)
}

func TestDeliveryTransitioned_IgnoresOtherStatuses(t *testing.T) {
	pub := &publisherMock{}
	n := New(pub, "t")
	require.False(t, n.DeliveryTransitioned(context.Background(), &models.Delivery{ID: "d1", Status: models.DeliveryStatusOnTheWay}))
	pub.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDeliveryTransitioned_FailureSwallowed(t *testing.T) {
	pub := &publisherMock{}
	pub.On("PublishJSON", mock.Anything, "t", "O1", mock.Anything).Return(errors.New("broker down")).Once()

	n := New(pub, "t")
	require.False(t, n.DeliveryTransitioned(context.Background(), &models.Delivery{ID: "d1", OrderID: "O1", Status: models.DeliveryStatusDelivered}))
	pub.AssertExpectations(t)
}

func TestDeliveryTransitioned_NilNotifier(t *testing.T) {
	var n *Notifier
	require.False(t, n.DeliveryTransitioned(context.Background(), &models.Delivery{Status: models.DeliveryStatusDelivered}))
}
