package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// DELIVERY ORDER AND WILDCARD MATCHING
// ============================================================================

func TestBus_ExactSubscriptionReceivesInOrder(t *testing.T) {
	b := New(false)
	defer b.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	b.Subscribe(EventVariableChanged, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Payload.(int))
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	b.Publish(EventVariableChanged, 1)
	b.Publish(EventVariableChanged, 2)
	b.Publish(EventVariableChanged, 3)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestBus_WildcardSubscriptionMatchesNamespace(t *testing.T) {
	b := New(false)
	defer b.Close()

	received := make(chan string, 10)
	b.Subscribe("variable.*", func(ev Event) {
		received <- ev.Name
	})

	b.Publish(EventVariableChanged, nil)
	b.Publish(EventVariableError, nil)
	b.Publish(EventConnectionLost, nil)

	names := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case n := <-received:
			names[n] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for wildcard delivery")
		}
	}
	assert.True(t, names[EventVariableChanged])
	assert.True(t, names[EventVariableError])
	assert.False(t, names[EventConnectionLost])
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(false)
	defer b.Close()

	count := 0
	var mu sync.Mutex
	unsub := b.Subscribe(EventVariableChanged, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	b.Publish(EventVariableChanged, nil)
	time.Sleep(20 * time.Millisecond)
	unsub()
	b.Publish(EventVariableChanged, nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBus_StatsAfterPublishes(t *testing.T) {
	b := New(false)
	defer b.Close()
	b.Subscribe(EventVariableChanged, func(Event) {})

	for i := 0; i < 50; i++ {
		b.Publish(EventVariableChanged, i)
	}
	time.Sleep(20 * time.Millisecond)

	stats := b.Stats()
	require.Equal(t, 50, stats.Count)
	assert.GreaterOrEqual(t, stats.P99Ns, stats.P50Ns)
}
