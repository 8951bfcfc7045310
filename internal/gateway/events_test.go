package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversInRegistrationOrder(t *testing.T) {
	e := NewEmitter()
	var got []string
	e.Subscribe(func(AuthEvent) { got = append(got, "a") })
	e.Subscribe(func(AuthEvent) { got = append(got, "b") })
	e.Subscribe(func(AuthEvent) { got = append(got, "c") })

	e.Emit(AuthEvent{Kind: EventSignedOut})
	e.Emit(AuthEvent{Kind: EventSignedOut})

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestEmitterUnsubscribe(t *testing.T) {
	e := NewEmitter()
	calls := 0
	id := e.Subscribe(func(AuthEvent) { calls++ })

	require.True(t, e.Unsubscribe(id))
	require.False(t, e.Unsubscribe(id))
	e.Emit(AuthEvent{Kind: EventSignedIn})

	assert.Zero(t, calls)
	assert.Zero(t, e.Len())
}

func TestEmitterSkipsHandlersRemovedDuringDelivery(t *testing.T) {
	e := NewEmitter()
	var second Subscription
	secondCalls := 0
	e.Subscribe(func(AuthEvent) { e.Unsubscribe(second) })
	second = e.Subscribe(func(AuthEvent) { secondCalls++ })

	e.Emit(AuthEvent{Kind: EventSignedOut})

	assert.Zero(t, secondCalls)
	assert.Equal(t, 1, e.Len())
}

func TestEmitterLateSubscriberMissesInFlightEvent(t *testing.T) {
	e := NewEmitter()
	lateCalls := 0
	e.Subscribe(func(AuthEvent) {
		e.Subscribe(func(AuthEvent) { lateCalls++ })
	})

	e.Emit(AuthEvent{Kind: EventSignedIn})
	assert.Zero(t, lateCalls)

	e.Emit(AuthEvent{Kind: EventSignedIn})
	assert.Equal(t, 1, lateCalls)
}
