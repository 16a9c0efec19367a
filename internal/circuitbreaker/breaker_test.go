package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(ReconnectConfig("conn-1", 50*time.Millisecond))

	fail := func() (interface{}, error) { return nil, errors.New("dial refused") }
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(fail)
	}

	assert.Equal(t, StateOpen, cb.State())
	_, err := cb.Execute(fail)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenRecoversOnSuccess(t *testing.T) {
	cb := New(ReconnectConfig("conn-2", 10*time.Millisecond))
	fail := func() (interface{}, error) { return nil, errors.New("dial refused") }
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(fail)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	ok := func() (interface{}, error) { return "connected", nil }
	_, err := cb.Execute(ok)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestConnectionBreakers_PerConnectionIsolation(t *testing.T) {
	breakers := NewConnectionBreakers()
	a := breakers.For("conn-a", 30*time.Second)
	b := breakers.For("conn-b", 30*time.Second)

	fail := func() (interface{}, error) { return nil, errors.New("timeout") }
	for i := 0; i < 3; i++ {
		_, _ = a.Execute(fail)
	}

	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, b.State())

	status, _ := breakers.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
}

func TestReconnectBackoff_DoublesUntilCap(t *testing.T) {
	b := NewReconnectBackoff(10 * time.Second)

	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next())
	assert.Equal(t, 10*time.Second, b.Next(), "delay must not exceed the cap")
	assert.Equal(t, 10*time.Second, b.Next())
}

func TestReconnectBackoff_ResetReturnsToInitialDelay(t *testing.T) {
	b := NewReconnectBackoff(60 * time.Second)
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}
