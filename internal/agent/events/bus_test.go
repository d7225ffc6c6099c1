package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToTypedSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	statusCh, unsub := Subscribe[StatusChanged](bus, 4)
	defer unsub()
	finishedCh, unsub2 := Subscribe[ReconcileFinished](bus, 4)
	defer unsub2()

	bus.Publish(StatusChanged{Previous: "unknown", Current: "running"})
	bus.Publish(ReconcileFinished{ReconcileID: "r1", Outcome: "converged"})

	select {
	case evt := <-statusCh:
		assert.Equal(t, "running", evt.Current)
	case <-time.After(time.Second):
		t.Fatal("status event not delivered")
	}

	select {
	case evt := <-finishedCh:
		assert.Equal(t, "r1", evt.ReconcileID)
	case <-time.After(time.Second):
		t.Fatal("finished event not delivered")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, unsub := Subscribe[UpdateCoalesced](bus, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for range 100 {
			bus.Publish(UpdateCoalesced{ReceivedAt: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := Subscribe[StatusChanged](bus, 4)
	unsub()
	unsub() // idempotent

	bus.Publish(StatusChanged{Current: "stopped"})

	_, open := <-ch
	assert.False(t, open, "channel must be closed after unsubscribe")
}

func TestUnsubscribeReleasesStalledForwarder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := Subscribe[UpdateCoalesced](bus, 1)

	// Overfill without draining so the forwarder holds an event it cannot
	// deliver, then unsubscribe. The channel must still close; undelivered
	// events are dropped.
	for range 4 {
		bus.Publish(UpdateCoalesced{ReceivedAt: time.Now()})
	}
	unsub()

	require.Eventually(t, func() bool {
		for {
			select {
			case _, open := <-ch:
				if !open {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond, "subscription channel never closed")
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, _ := Subscribe[ReconcileStarted](bus, 1)
	bus.Close()

	_, open := <-ch
	require.False(t, open)

	// Publishing after close is a no-op.
	bus.Publish(ReconcileStarted{ReconcileID: "r1"})
}
