package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition_Forward(t *testing.T) {
	require.NoError(t, CanTransition(DeliveryStatusAvailable, DeliveryStatusAssigned))
	require.NoError(t, CanTransition(DeliveryStatusAssigned, DeliveryStatusPickedUp))
	require.NoError(t, CanTransition(DeliveryStatusPickedUp, DeliveryStatusOnTheWay))
	require.NoError(t, CanTransition(DeliveryStatusOnTheWay, DeliveryStatusDelivered))
}

func TestCanTransition_CancelFromNonTerminal(t *testing.T) {
	for _, s := range []DeliveryStatus{DeliveryStatusAvailable, DeliveryStatusAssigned, DeliveryStatusPickedUp, DeliveryStatusOnTheWay} {
		require.NoError(t, CanTransition(s, DeliveryStatusCancelled), s)
	}
}

func TestCanTransition_Rejects(t *testing.T) {
	err := CanTransition(DeliveryStatusAssigned, DeliveryStatusAvailable)
	require.True(t, errors.Is(err, ErrInvalidTransition))

	require.Error(t, CanTransition(DeliveryStatusAvailable, DeliveryStatusPickedUp))
	require.Error(t, CanTransition(DeliveryStatusDelivered, DeliveryStatusCancelled))
	require.Error(t, CanTransition(DeliveryStatusCancelled, DeliveryStatusAssigned))
	require.Error(t, CanTransition("bogus", DeliveryStatusAssigned))
}

func TestDeliveryStatus_RequiresDriver(t *testing.T) {
	require.False(t, DeliveryStatusAvailable.RequiresDriver())
	require.False(t, DeliveryStatusCancelled.RequiresDriver())
	require.True(t, DeliveryStatusAssigned.RequiresDriver())
	require.True(t, DeliveryStatusDelivered.RequiresDriver())
}

func TestDelivery_CloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	d := &Delivery{ID: "D1", DriverID: Ptr("A"), AssignedAt: &now}
	c := d.Clone()
	*c.DriverID = "B"
	require.Equal(t, "A", *d.DriverID)
	require.True(t, d.HeldBy("A"))
	require.False(t, c.HeldBy("A"))
}

func TestChange_Record(t *testing.T) {
	before := &Delivery{ID: "b"}
	after := &Delivery{ID: "a"}
	require.Equal(t, "a", Change{Op: ChangeUpdate, Before: before, After: after}.Record().ID)
	require.Equal(t, "b", Change{Op: ChangeDelete, Before: before}.Record().ID)
	require.Equal(t, "a", Change{Op: ChangeDelete, After: after}.Record().ID)
}
