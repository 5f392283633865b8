package observability_test

import (
	"errors"
	"testing"
	"time"

	"github.com/aicarpool/gateway/internal/adapter/observability"
	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_NewCircuitBreaker(t *testing.T) {
	t.Parallel()

	cb := observability.NewCircuitBreaker("acct-1", 3, 5*time.Second)

	assert.Equal(t, observability.StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetFailures())
	assert.True(t, cb.IsClosed())
	assert.False(t, cb.IsOpen())
	assert.False(t, cb.IsHalfOpen())
}

func TestCircuitBreaker_Call_Success(t *testing.T) {
	t.Parallel()

	cb := observability.NewCircuitBreaker("acct-1", 2, 1*time.Second)

	err := cb.Call(func() error {
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, observability.StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetFailures())
}

func TestCircuitBreaker_Call_Failure(t *testing.T) {
	t.Parallel()

	cb := observability.NewCircuitBreaker("acct-1", 2, 1*time.Second)
	testErr := errors.New("upstream unreachable")

	err := cb.Call(func() error {
		return testErr
	})

	assert.Equal(t, testErr, err)
	assert.Equal(t, observability.StateClosed, cb.GetState())
	assert.Equal(t, 1, cb.GetFailures())
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	t.Parallel()

	cb := observability.NewCircuitBreaker("acct-1", 2, 100*time.Millisecond)

	// First failure - should stay closed
	err := cb.Call(func() error {
		return errors.New("failure 1")
	})
	assert.Error(t, err)
	assert.Equal(t, observability.StateClosed, cb.GetState())
	assert.Equal(t, 1, cb.GetFailures())

	// Second failure - should open circuit
	err = cb.Call(func() error {
		return errors.New("failure 2")
	})
	assert.Error(t, err)
	assert.Equal(t, observability.StateOpen, cb.GetState())
	assert.True(t, cb.IsOpen())

	// Call while open should be blocked
	err = cb.Call(func() error {
		return nil
	})
	assert.Error(t, err)
	assert.ErrorIs(t, err, observability.ErrCircuitOpen)
	assert.Contains(t, err.Error(), "circuit breaker acct-1 is open")

	// Wait for timeout to transition to half-open
	time.Sleep(150 * time.Millisecond)

	// Call to trigger state transition from open to half-open
	err = cb.Call(func() error {
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, cb.IsHalfOpen())

	// Success in half-open should close circuit (after enough successes)
	for i := 0; i < 2; i++ { // halfOpenMax is 3, we already had 1 success
		err = cb.Call(func() error {
			return nil
		})
		assert.NoError(t, err)
	}
	assert.True(t, cb.IsClosed())
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	t.Parallel()

	cb := observability.NewCircuitBreaker("acct-1", 1, 100*time.Millisecond)

	_ = cb.Call(func() error { return errors.New("fail") })
	assert.True(t, cb.IsOpen())

	time.Sleep(150 * time.Millisecond)

	err := cb.Call(func() error { return nil })
	assert.NoError(t, err)
	assert.True(t, cb.IsHalfOpen())

	// Failure should open the circuit again
	err = cb.Call(func() error { return errors.New("fail again") })
	assert.Error(t, err)
	assert.True(t, cb.IsOpen())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := observability.NewCircuitBreaker("acct-1", 1, 1*time.Second)

	_ = cb.Call(func() error {
		return errors.New("failure")
	})
	assert.Equal(t, observability.StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, observability.StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetFailures())
	assert.True(t, cb.IsClosed())
}

func TestCircuitBreakerManager_GetOrCreate(t *testing.T) {
	t.Parallel()

	cbm := observability.NewCircuitBreakerManager()

	cb1 := cbm.GetOrCreate("acct-1", 2, 1*time.Second)
	assert.NotNil(t, cb1)

	// Get existing circuit breaker
	cb2 := cbm.GetOrCreate("acct-1", 5, 2*time.Second)
	assert.Equal(t, cb1, cb2) // Should be the same instance

	cb3 := cbm.GetOrCreate("acct-2", 3, 3*time.Second)
	assert.NotEqual(t, cb1, cb3)
}

func TestCircuitBreakerManager_Get(t *testing.T) {
	t.Parallel()

	cbm := observability.NewCircuitBreakerManager()

	cb, exists := cbm.Get("nonexistent")
	assert.Nil(t, cb)
	assert.False(t, exists)

	cbm.GetOrCreate("acct-1", 2, 1*time.Second)
	cb, exists = cbm.Get("acct-1")
	assert.NotNil(t, cb)
	assert.True(t, exists)
}

func TestCircuitBreakerManager_ResetAll(t *testing.T) {
	t.Parallel()

	cbm := observability.NewCircuitBreakerManager()

	cb1 := cbm.GetOrCreate("acct-1", 1, 1*time.Second)
	cb2 := cbm.GetOrCreate("acct-2", 1, 1*time.Second)

	_ = cb1.Call(func() error { return errors.New("fail") })
	_ = cb2.Call(func() error { return errors.New("fail") })

	assert.True(t, cb1.IsOpen())
	assert.True(t, cb2.IsOpen())

	cbm.ResetAll()

	assert.True(t, cb1.IsClosed())
	assert.True(t, cb2.IsClosed())
	assert.Len(t, cbm.GetAll(), 2)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	cb := observability.NewCircuitBreaker("acct-1", 5, 100*time.Millisecond)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_ = cb.Call(func() error {
				if time.Now().UnixNano()%2 == 0 {
					return errors.New("random failure")
				}
				return nil
			})
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	// State should be consistent
	state := cb.GetState()
	assert.True(t, state == observability.StateClosed ||
		state == observability.StateOpen ||
		state == observability.StateHalfOpen)
}
