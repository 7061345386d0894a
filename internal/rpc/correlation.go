package rpc

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/busrpc/internal/metrics"
)

type opKind int

const (
	opSync opKind = iota
	opAsync
	opStreaming
)

// pendingOp is one in-flight request record. The streaming variant keeps an
// optional per-message handler that incremental responses are fed through;
// the final response resolves the future like the other kinds.
type pendingOp struct {
	id      string
	kind    opKind
	sentAt  time.Time
	future  *Future
	timer   *time.Timer
	session string

	handlerMu sync.Mutex
	handler   ResponseHandler
}

func (op *pendingOp) swapHandler(h ResponseHandler) {
	op.handlerMu.Lock()
	op.handler = h
	op.handlerMu.Unlock()
}

func (op *pendingOp) currentHandler() ResponseHandler {
	op.handlerMu.Lock()
	defer op.handlerMu.Unlock()
	return op.handler
}

// CorrelationManager maps correlation ids to pending operations. Lookups and
// the remove-and-complete step happen under one short critical section, so a
// response and a timeout racing for the same id cannot both win.
type CorrelationManager struct {
	capacity int
	metrics  *metrics.Registry

	mu      sync.Mutex
	pending map[string]*pendingOp
	closed  bool
}

// NewCorrelationManager creates a manager with a hard cap on live records.
func NewCorrelationManager(capacity int, reg *metrics.Registry) *CorrelationManager {
	return &CorrelationManager{
		capacity: capacity,
		metrics:  reg,
		pending:  make(map[string]*pendingOp),
	}
}

// register inserts a fresh record before its request message goes out.
// id may be preset (streaming sessions reuse the session id); empty means
// generate. timeout <= 0 leaves the record unarmed, to be armed later.
func (c *CorrelationManager) register(kind opKind, id string, timeout time.Duration) (*pendingOp, error) {
	if id == "" {
		id = uuid.NewString()
	}
	op := &pendingOp{
		id:     id,
		kind:   kind,
		sentAt: time.Now(),
		future: newFuture(),
	}
	op.future.id = id
	op.future.cancel = func(reason error) { c.cancel(id, reason) }

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClientClosing
	}
	if len(c.pending) >= c.capacity {
		c.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, ErrInternal
	}
	c.pending[id] = op
	if timeout > 0 {
		op.timer = time.AfterFunc(timeout, func() { c.fireTimeout(id) })
	}
	c.mu.Unlock()
	return op, nil
}

// armTimeout schedules (or reschedules) the deadline for an existing record.
// StreamEnd uses this: the aggregate waiter sits unarmed from StreamStart
// until the caller decides how long to wait for the final response.
func (c *CorrelationManager) armTimeout(id string, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.pending[id]
	if !ok {
		return false
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	op.timer = time.AfterFunc(timeout, func() { c.fireTimeout(id) })
	return true
}

// deliver routes an incoming response to its waiter. Unknown or late ids are
// dropped and counted. Incremental streaming responses keep the record live;
// everything else removes it and resolves the future.
func (c *CorrelationManager) deliver(resp *Response) {
	id := resp.CorrelationID
	if id == "" {
		id = resp.SessionID
	}

	c.mu.Lock()
	op, ok := c.pending[id]
	if ok && op.kind == opStreaming && !resp.StreamFinal {
		c.mu.Unlock()
		// incremental: hand to the per-message handler, record stays
		if h := op.currentHandler(); h != nil {
			c.invoke(func() { h.OnResponse(resp) })
		}
		return
	}
	if ok {
		delete(c.pending, id)
		if op.timer != nil {
			op.timer.Stop()
		}
	}
	c.mu.Unlock()

	if !ok {
		c.metrics.RecordLateOrUnknown()
		log.Debug().Str("correlation_id", id).Msg("late or unknown response dropped")
		return
	}

	if resp.Success {
		c.metrics.RecordSuccess(time.Since(op.sentAt))
	} else {
		c.metrics.RecordFailure()
	}
	if op.kind == opStreaming {
		if h := op.currentHandler(); h != nil {
			c.invoke(func() { h.OnComplete(resp) })
		}
	}
	op.future.complete(resp, nil)
}

// fireTimeout completes the record with ErrTimeout if it is still pending.
// The presence re-check makes best-effort timer cancellation safe.
func (c *CorrelationManager) fireTimeout(id string) {
	c.mu.Lock()
	op, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.metrics.RecordTimeout()
	if op.kind == opStreaming {
		if h := op.currentHandler(); h != nil {
			c.invoke(func() { h.OnError(ErrTimeout) })
		}
	}
	op.future.complete(nil, ErrTimeout)
}

// cancel removes and fails one record with the given reason.
func (c *CorrelationManager) cancel(id string, reason error) {
	c.mu.Lock()
	op, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if op.timer != nil {
			op.timer.Stop()
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.metrics.RecordCancelled()
	if op.kind == opStreaming {
		if h := op.currentHandler(); h != nil {
			c.invoke(func() { h.OnError(reason) })
		}
	}
	op.future.complete(nil, reason)
}

// discard silently removes a record whose request message never made it
// out. The future is left unresolved; only the registering caller holds it.
func (c *CorrelationManager) discard(id string) {
	c.mu.Lock()
	op, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if op.timer != nil {
			op.timer.Stop()
		}
	}
	c.mu.Unlock()
}

// fail removes a record and resolves its future with reason. Reasons that
// match ErrTimeout count as timeouts, everything else as failures.
func (c *CorrelationManager) fail(id string, reason error) {
	c.mu.Lock()
	op, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if op.timer != nil {
			op.timer.Stop()
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if errors.Is(reason, ErrTimeout) {
		c.metrics.RecordTimeout()
	} else {
		c.metrics.RecordFailure()
	}
	if op.kind == opStreaming {
		if h := op.currentHandler(); h != nil {
			c.invoke(func() { h.OnError(reason) })
		}
	}
	op.future.complete(nil, reason)
}

// futureFor returns the completion handle of a live record.
func (c *CorrelationManager) futureFor(id string) (*Future, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	return op.future, true
}

// setHandler atomically swaps the per-message handler of a streaming record.
func (c *CorrelationManager) setHandler(id string, h ResponseHandler) bool {
	c.mu.Lock()
	op, ok := c.pending[id]
	c.mu.Unlock()
	if !ok || op.kind != opStreaming {
		return false
	}
	op.swapHandler(h)
	return true
}

// cancelAll fails every pending record and refuses further registrations.
// After it returns the table is empty and every timer is stopped.
func (c *CorrelationManager) cancelAll(reason error) {
	c.mu.Lock()
	c.closed = true
	drained := c.pending
	c.pending = make(map[string]*pendingOp)
	c.mu.Unlock()

	for _, op := range drained {
		if op.timer != nil {
			op.timer.Stop()
		}
		c.metrics.RecordCancelled()
		if op.kind == opStreaming {
			if h := op.currentHandler(); h != nil {
				c.invoke(func() { h.OnError(reason) })
			}
		}
		op.future.complete(nil, reason)
	}
}

// count returns the number of live records.
func (c *CorrelationManager) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// invoke runs user handler code, isolating panics from the client.
func (c *CorrelationManager) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordHandlerError()
			log.Warn().Interface("panic", r).Msg("response handler panic")
		}
	}()
	fn()
}
