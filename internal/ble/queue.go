package ble

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueInvariant is returned when a completion does not match the
	// in-flight operation. It always indicates a bug in the caller.
	ErrQueueInvariant = errors.New("operation queue invariant violated")
	// ErrOperationTimeout is reported for an operation the transport never completed.
	ErrOperationTimeout = errors.New("operation timed out")
	// ErrLateCompletion is returned for a completion that belongs to an
	// operation the watchdog already expired. The queue ignores it.
	ErrLateCompletion = errors.New("completion for an expired operation")
)

// Queue serializes GATT operations so that at most one is outstanding on the
// link. Enqueue issues immediately when idle; Complete retires the in-flight
// operation and issues the next one.
type Queue struct {
	transport Transport
	log       *zap.Logger
	timeout   time.Duration
	onFailure func(Operation, error)

	mu       sync.Mutex
	pending  []Operation
	inFlight Operation
	gen      uint64
	timer    *time.Timer
	// expired holds timed-out operations whose completion may still arrive.
	// The first completion of a matching kind is charged to them, never to
	// the operation in flight.
	expired []Operation
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithTimeout fails an in-flight operation that has not completed within d.
func WithTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.timeout = d }
}

// WithFailureHandler is called, without the queue lock held, for operations
// the transport refused to start or that timed out.
func WithFailureHandler(fn func(Operation, error)) QueueOption {
	return func(q *Queue) { q.onFailure = fn }
}

// NewQueue creates a queue that issues operations to t.
func NewQueue(t Transport, log *zap.Logger, opts ...QueueOption) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{transport: t, log: log}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type failure struct {
	op  Operation
	err error
}

// Enqueue appends op and issues it right away if nothing is in flight.
func (q *Queue) Enqueue(ops ...Operation) {
	q.mu.Lock()
	q.pending = append(q.pending, ops...)
	failed := q.drainLocked()
	q.mu.Unlock()

	q.report(failed)
}

// Complete retires the in-flight operation, which must be of kind k, and
// issues the next pending one. opErr is the transport's outcome and is only
// logged; the queue advances either way. A completion for an operation the
// watchdog expired changes nothing and returns ErrLateCompletion.
func (q *Queue) Complete(k OpKind, opErr error) error {
	q.mu.Lock()
	for i, op := range q.expired {
		if op.Kind() != k {
			continue
		}
		q.expired = append(q.expired[:i:i], q.expired[i+1:]...)
		q.mu.Unlock()
		q.log.Warn("late completion ignored", zap.Stringer("op", op), zap.Error(opErr))
		return fmt.Errorf("%w: %s", ErrLateCompletion, op)
	}
	if q.inFlight == nil {
		q.mu.Unlock()
		q.log.Error("completion with nothing in flight", zap.Stringer("kind", k))
		return fmt.Errorf("%w: %s completed with nothing in flight", ErrQueueInvariant, k)
	}
	if q.inFlight.Kind() != k {
		cur := q.inFlight
		q.mu.Unlock()
		q.log.Error("completion does not match in-flight operation",
			zap.Stringer("kind", k), zap.Stringer("in_flight", cur))
		return fmt.Errorf("%w: %s completed while %s in flight", ErrQueueInvariant, k, cur)
	}

	op := q.inFlight
	q.clearLocked()
	if opErr != nil {
		q.log.Warn("operation failed", zap.Stringer("op", op), zap.Error(opErr))
	} else {
		q.log.Debug("operation complete", zap.Stringer("op", op))
	}
	failed := q.drainLocked()
	q.mu.Unlock()

	q.report(failed)
	return nil
}

// Forget drops one expired operation of kind k, for outcomes that arrive
// late but are not handed to Complete. It reports whether one was found.
func (q *Queue) Forget(k OpKind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, op := range q.expired {
		if op.Kind() == k {
			q.expired = append(q.expired[:i:i], q.expired[i+1:]...)
			return true
		}
	}
	return false
}

// InFlight returns the operation awaiting completion, or nil.
func (q *Queue) InFlight() Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Len returns the number of operations waiting behind the in-flight one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Reset drops every pending operation and forgets the in-flight and expired
// ones. It is used when the link is lost and no completion will arrive.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.pending); n > 0 || q.inFlight != nil {
		q.log.Debug("queue reset", zap.Int("dropped", n), zap.Bool("had_in_flight", q.inFlight != nil))
	}
	q.pending = nil
	q.expired = nil
	q.clearLocked()
}

func (q *Queue) clearLocked() {
	q.inFlight = nil
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// drainLocked issues pending operations until one is accepted by the
// transport or the queue is empty. Refused operations are returned.
func (q *Queue) drainLocked() []failure {
	var failed []failure
	for q.inFlight == nil && len(q.pending) > 0 {
		op := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		if err := q.issue(op); err != nil {
			q.log.Warn("transport refused operation", zap.Stringer("op", op), zap.Error(err))
			failed = append(failed, failure{op, err})
			continue
		}

		q.log.Debug("operation issued", zap.Stringer("op", op), zap.Int("pending", len(q.pending)))
		q.inFlight = op
		q.gen++
		if q.timeout > 0 {
			gen := q.gen
			q.timer = time.AfterFunc(q.timeout, func() { q.expire(gen) })
		}
	}
	return failed
}

func (q *Queue) expire(gen uint64) {
	q.mu.Lock()
	if q.gen != gen || q.inFlight == nil {
		q.mu.Unlock()
		return
	}
	op := q.inFlight
	q.timer = nil
	q.clearLocked()
	q.expired = append(q.expired, op)
	q.log.Warn("operation timed out", zap.Stringer("op", op), zap.Duration("timeout", q.timeout))
	failed := append([]failure{{op, ErrOperationTimeout}}, q.drainLocked()...)
	q.mu.Unlock()

	q.report(failed)
}

func (q *Queue) report(failed []failure) {
	if q.onFailure == nil {
		return
	}
	for _, f := range failed {
		q.onFailure(f.op, f.err)
	}
}

// issue makes exactly one transport call for op.
func (q *Queue) issue(op Operation) error {
	switch o := op.(type) {
	case Connect:
		return q.transport.Connect(o.Peer)
	case Disconnect:
		return q.transport.Disconnect()
	case DiscoverServices:
		return q.transport.DiscoverServices()
	case ReadCharacteristic:
		return q.transport.ReadCharacteristic(o.Char)
	case WriteCharacteristic:
		return q.transport.WriteCharacteristic(o.Char, o.Data)
	case WriteDescriptor:
		return q.transport.WriteDescriptor(o.Char, o.Data)
	case RequestMTU:
		return q.transport.RequestMTU(o.Size)
	}
	return fmt.Errorf("%w: unknown operation %T", ErrQueueInvariant, op)
}
