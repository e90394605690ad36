package holdback

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/errors"
)

// The holdback queue defers a commit request until the global order number assigned to it by the
// sequencer is the replica's next turn. Commit requests and order assignments arrive independently
// and in any order; a request may wait for its assignment, or an assignment for its request.
//
// Queue state is one cursor and one map from transaction to order number, guarded by a single mutex.
// Every state change broadcasts on the condition variable and every waiter re-checks its own
// condition, so there is never a targeted wake-up to get wrong.
//
// Only the request whose order equals the cursor gets past WaitTurn and the cursor only moves in Done,
// so everything a caller does between WaitTurn and Done runs as a per-replica critical section.
//
// A missing assignment blocks its request, and every later one, forever. Pending makes that state
// visible but does not resolve it.

var (
	// ErrClosed is returned to waiters when the queue is closed.
	ErrClosed = errors.New("holdback queue closed")
	// ErrDuplicate is returned when a request for the same transaction is already waiting or running.
	ErrDuplicate = errors.New("transaction already held")
)

// TxnKey identifies a commit request: the client's reply address and its local transaction id.
type TxnKey struct {
	ReplyAddr string `json:"reply_addr"`
	LocalID   uint64 `json:"local_id"`
}

func (k TxnKey) String() string {
	return fmt.Sprintf("%s/%d", k.ReplyAddr, k.LocalID)
}

// Pending describes a transaction the queue knows about but has not released yet.
type Pending struct {
	Key      TxnKey `json:"key"`
	Order    uint64 `json:"order"`
	Assigned bool   `json:"assigned"`
	// Waiting is false when only the assignment has arrived.
	Waiting      bool      `json:"waiting"`
	WaitingSince time.Time `json:"waiting_since,omitempty"`
}

type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	// next is the order number the replica applies next.
	next uint64
	// orders maps each live transaction to its assigned order number.
	orders map[TxnKey]uint64
	// waiters records when each blocked request started waiting.
	waiters map[TxnKey]time.Time
	// claimed holds every key between the start of WaitTurn and Done.
	claimed map[TxnKey]struct{}
	closed  bool
}

// NewQueue creates a queue whose first turn is start.
func NewQueue(start uint64) *Queue {
	q := &Queue{
		next:    start,
		orders:  make(map[TxnKey]uint64),
		waiters: make(map[TxnKey]time.Time),
		claimed: make(map[TxnKey]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Assign records the order number of key and wakes all waiters. It returns false when the
// assignment is ignored: either its order has already been applied (a re-delivery) or key already
// holds an assignment.
func (q *Queue) Assign(key TxnKey, order uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if order < q.next {
		return false
	}
	if _, ok := q.orders[key]; ok {
		return false
	}
	q.orders[key] = order
	q.cond.Broadcast()
	return true
}

// WaitTurn blocks until key has an assignment equal to the cursor and returns that order number.
// The caller must call Done(key) once it finished with the turn. Only one request per key is held:
// a second WaitTurn for a key that is still waiting or running fails with ErrDuplicate.
func (q *Queue) WaitTurn(key TxnKey) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.claimed[key]; ok {
		return 0, errors.Annotatef(ErrDuplicate, "txn %s", key)
	}
	q.claimed[key] = struct{}{}
	q.waiters[key] = time.Now()
	defer delete(q.waiters, key)
	for {
		if q.closed {
			delete(q.claimed, key)
			return 0, errors.Trace(ErrClosed)
		}
		if order, ok := q.orders[key]; ok && order == q.next {
			return order, nil
		}
		q.cond.Wait()
	}
}

// Done consumes the assignment of key, advances the cursor and wakes all waiters.
func (q *Queue) Done(key TxnKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	order, ok := q.orders[key]
	if !ok || order != q.next {
		panic(fmt.Sprintf("holdback: %s finished out of turn (order %d, next %d, assigned %v)", key, order, q.next, ok))
	}
	delete(q.orders, key)
	delete(q.claimed, key)
	q.next++
	q.cond.Broadcast()
}

// Close releases every waiter with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Cursor returns the next order number to be applied.
func (q *Queue) Cursor() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next
}

// Pending lists every transaction with a live assignment or a blocked request, in order number
// order, unassigned requests last.
func (q *Queue) Pending() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := make([]Pending, 0, len(q.orders)+len(q.waiters))
	for key, order := range q.orders {
		since, waiting := q.waiters[key]
		pending = append(pending, Pending{Key: key, Order: order, Assigned: true, Waiting: waiting, WaitingSince: since})
	}
	for key, since := range q.waiters {
		if _, ok := q.orders[key]; !ok {
			pending = append(pending, Pending{Key: key, Waiting: true, WaitingSince: since})
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.Assigned != b.Assigned {
			return a.Assigned
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Key.String() < b.Key.String()
	})
	return pending
}

// Blocked counts requests currently waiting for their turn.
func (q *Queue) Blocked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
