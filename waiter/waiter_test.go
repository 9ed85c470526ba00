package waiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteThenWaitDeliversBufferedValue(t *testing.T) {
	w := New(time.Second)
	key := Key{Kind: "addr", User: "alice"}

	Complete(w, key, "10.0.0.1:2234")

	got, err := Wait[string](w, context.Background(), key, 0)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:2234", got)
}

func TestWaitThenCompleteDeliversLiveValue(t *testing.T) {
	w := New(time.Second)
	key := Key{Kind: "addr", User: "bob"}

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := Wait[string](w, context.Background(), key, 0)
		resultCh <- v
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	Complete(w, key, "10.0.0.2:5678")

	select {
	case v := <-resultCh:
		assert.Equal(t, "10.0.0.2:5678", v)
		require.NoError(t, <-errCh)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Wait to return")
	}
}

func TestThrowFaultsTheWaiter(t *testing.T) {
	w := New(time.Second)
	key := Key{Kind: "addr", User: "carol"}

	boom := assert.AnError
	resultErr := make(chan error, 1)
	go func() {
		_, err := Wait[string](w, context.Background(), key, 0)
		resultErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	Throw(w, key, boom)

	select {
	case err := <-resultErr:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Wait to fault")
	}
}

func TestWaitTimesOutWhenNeverCompleted(t *testing.T) {
	w := New(0)
	key := Key{Kind: "addr", User: "dave"}

	_, err := Wait[string](w, context.Background(), key, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitCancelledByContext(t *testing.T) {
	w := New(time.Second)
	key := Key{Kind: "addr", User: "erin"}

	ctx, cancel := context.WithCancel(context.Background())
	resultErr := make(chan error, 1)
	go func() {
		_, err := Wait[string](w, ctx, key, 0)
		resultErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-resultErr:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Wait to be cancelled")
	}
}

func TestSecondWaitShadowsFirst(t *testing.T) {
	w := New(0)
	key := Key{Kind: "addr", User: "frank"}

	firstErr := make(chan error, 1)
	go func() {
		_, err := Wait[string](w, context.Background(), key, 50*time.Millisecond)
		firstErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	secondResult := make(chan string, 1)
	secondErrCh := make(chan error, 1)
	go func() {
		v, err := Wait[string](w, context.Background(), key, time.Second)
		secondResult <- v
		secondErrCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	Complete(w, key, "10.0.0.3:1")

	select {
	case v := <-secondResult:
		assert.Equal(t, "10.0.0.3:1", v)
		require.NoError(t, <-secondErrCh)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the newer wait to receive the completion")
	}

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the shadowed wait to time out on its own")
	}
}

func TestCancelAllFaultsOutstandingWaiters(t *testing.T) {
	w := New(time.Second)
	keyA := Key{Kind: "addr", User: "gina"}
	keyB := Key{Kind: "addr", User: "hank"}

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { _, err := Wait[string](w, context.Background(), keyA, 0); errA <- err }()
	go func() { _, err := Wait[string](w, context.Background(), keyB, 0); errB <- err }()
	time.Sleep(20 * time.Millisecond)

	w.CancelAll()

	assert.ErrorIs(t, <-errA, ErrCancelled)
	assert.ErrorIs(t, <-errB, ErrCancelled)
}

func TestWaitTypeMismatchReturnsError(t *testing.T) {
	w := New(time.Second)
	key := Key{Kind: "addr", User: "ivan"}

	Complete(w, key, 42)

	_, err := Wait[string](w, context.Background(), key, 0)
	require.Error(t, err)
}
