package holdback

import (
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(id uint64) TxnKey {
	return TxnKey{ReplyAddr: "127.0.0.1:9000", LocalID: id}
}

func waitAsync(q *Queue, k TxnKey) <-chan uint64 {
	ch := make(chan uint64, 1)
	go func() {
		order, err := q.WaitTurn(k)
		if err == nil {
			ch <- order
		}
		close(ch)
	}()
	return ch
}

func waitBlocked(t *testing.T, q *Queue, n int) {
	deadline := time.Now().Add(2 * time.Second)
	for q.Blocked() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d blocked requests, got %d", n, q.Blocked())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAssignBeforeRequest(t *testing.T) {
	q := NewQueue(0)
	assert.True(t, q.Assign(key(1), 0))
	order, err := q.WaitTurn(key(1))
	require.Nil(t, err)
	assert.Equal(t, uint64(0), order)
	q.Done(key(1))
	assert.Equal(t, uint64(1), q.Cursor())
	assert.Empty(t, q.Pending())
}

func TestRequestBeforeAssign(t *testing.T) {
	q := NewQueue(0)
	ch := waitAsync(q, key(1))
	waitBlocked(t, q, 1)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Assigned)
	assert.True(t, pending[0].Waiting)

	q.Assign(key(1), 0)
	assert.Equal(t, uint64(0), <-ch)
	q.Done(key(1))
	assert.Equal(t, uint64(1), q.Cursor())
}

func TestReleaseInOrder(t *testing.T) {
	q := NewQueue(0)
	var (
		mu      sync.Mutex
		applied []uint64
		wg      sync.WaitGroup
	)
	// Requests and assignments arrive in reverse order.
	for i := 4; i >= 0; i-- {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			order, err := q.WaitTurn(key(id))
			if err != nil {
				return
			}
			mu.Lock()
			applied = append(applied, order)
			mu.Unlock()
			q.Done(key(id))
		}(uint64(i))
	}
	waitBlocked(t, q, 5)
	for i := 4; i >= 0; i-- {
		q.Assign(key(uint64(i)), uint64(i))
	}
	wg.Wait()
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, applied)
	assert.Equal(t, uint64(5), q.Cursor())
}

func TestHeadOfLineBlocking(t *testing.T) {
	q := NewQueue(0)
	q.Assign(key(2), 1)
	ch := waitAsync(q, key(2))
	waitBlocked(t, q, 1)

	select {
	case <-ch:
		t.Fatal("order 1 released before order 0")
	case <-time.After(50 * time.Millisecond):
	}
	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(1), pending[0].Order)
	assert.True(t, pending[0].Assigned)
	assert.False(t, pending[0].WaitingSince.IsZero())

	q.Assign(key(1), 0)
	order, err := q.WaitTurn(key(1))
	require.Nil(t, err)
	assert.Equal(t, uint64(0), order)
	q.Done(key(1))
	assert.Equal(t, uint64(1), <-ch)
	q.Done(key(2))
}

func TestAssignIdempotent(t *testing.T) {
	q := NewQueue(0)
	assert.True(t, q.Assign(key(1), 0))
	// A live key keeps its first assignment.
	assert.False(t, q.Assign(key(1), 3))
	order, err := q.WaitTurn(key(1))
	require.Nil(t, err)
	assert.Equal(t, uint64(0), order)
	q.Done(key(1))

	// Re-delivery of an applied order is ignored.
	assert.False(t, q.Assign(key(1), 0))
	assert.Empty(t, q.Pending())
	assert.Equal(t, uint64(1), q.Cursor())
}

func TestStartCursor(t *testing.T) {
	q := NewQueue(10)
	assert.False(t, q.Assign(key(1), 9))
	assert.True(t, q.Assign(key(2), 10))
	order, err := q.WaitTurn(key(2))
	require.Nil(t, err)
	assert.Equal(t, uint64(10), order)
}

func TestClose(t *testing.T) {
	q := NewQueue(0)
	done := make(chan error, 1)
	go func() {
		_, err := q.WaitTurn(key(1))
		done <- err
	}()
	waitBlocked(t, q, 1)
	q.Close()
	err := <-done
	assert.Equal(t, ErrClosed, errors.Cause(err))

	_, err = q.WaitTurn(key(2))
	assert.Equal(t, ErrClosed, errors.Cause(err))
}

func TestDoneOutOfTurnPanics(t *testing.T) {
	q := NewQueue(0)
	q.Assign(key(1), 1)
	assert.Panics(t, func() { q.Done(key(1)) })
	assert.Panics(t, func() { q.Done(key(7)) })
}

func TestDuplicateRequestRejected(t *testing.T) {
	q := NewQueue(0)
	ch := waitAsync(q, key(1))
	waitBlocked(t, q, 1)

	_, err := q.WaitTurn(key(1))
	assert.Equal(t, ErrDuplicate, errors.Cause(err))
	// The first request is still visible and still waiting.
	assert.Equal(t, 1, q.Blocked())
	require.Len(t, q.Pending(), 1)

	q.Assign(key(1), 0)
	assert.Equal(t, uint64(0), <-ch)

	// Rejected while the first one holds the turn too.
	_, err = q.WaitTurn(key(1))
	assert.Equal(t, ErrDuplicate, errors.Cause(err))
	q.Done(key(1))
	assert.Equal(t, uint64(1), q.Cursor())
	assert.Equal(t, 0, q.Blocked())
}
