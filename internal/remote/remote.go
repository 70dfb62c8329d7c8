// internal/remote/remote.go
// Package remote provides the cancellable operation primitive shared by the
// pipeline orchestrator and the chat engine. Each logical slot holds at most
// one live operation; acquiring a slot cancels and replaces any previous
// occupant, and a cancelled operation can never commit a result.
package remote

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Slot names a logical location that may hold at most one live operation.
type Slot string

// Notifier informs the backend, best effort, that work tagged with the given
// operation id has been abandoned. Errors are the notifier's problem:
// cancellation is locally authoritative regardless of backend acknowledgment.
type Notifier func(operationID string)

// Operation wraps one network call with a cancellation token and a unique
// identifier that is also sent to the backend for server-side abandonment.
type Operation struct {
	id     string
	slot   Slot
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	settled   bool
}

// ID returns the opaque operation identifier.
func (o *Operation) ID() string { return o.id }

// Slot returns the slot this operation occupies.
func (o *Operation) Slot() Slot { return o.slot }

// Context returns the context that is cancelled when the operation is.
func (o *Operation) Context() context.Context { return o.ctx }

// Cancelled reports whether the operation's token has been flipped. Engines
// must check this before committing any result-shaped state.
func (o *Operation) Cancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// markCancelled flips the token. Returns false if the operation already
// settled or was already cancelled, in which case no notification is owed.
func (o *Operation) markCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled || o.settled {
		return false
	}
	o.cancelled = true
	return true
}

func (o *Operation) markSettled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled || o.settled {
		return false
	}
	o.settled = true
	return true
}

// SlotTable maps slots to their single live operation. It replaces the
// mutable abort-controller cell pattern with an explicit per-slot handle
// table.
type SlotTable struct {
	mu     sync.Mutex
	ops    map[Slot]*Operation
	notify Notifier
}

// NewSlotTable creates a slot table. notify may be nil when the backend does
// not support server-side abandonment.
func NewSlotTable(notify Notifier) *SlotTable {
	return &SlotTable{
		ops:    make(map[Slot]*Operation),
		notify: notify,
	}
}

// Acquire returns a fresh live operation for the slot, first cancelling any
// prior occupant. The returned operation's context is derived from parent.
func (t *SlotTable) Acquire(parent context.Context, slot Slot) *Operation {
	opCtx, cancel := context.WithCancel(parent)
	op := &Operation{
		id:     uuid.NewString(),
		slot:   slot,
		ctx:    opCtx,
		cancel: cancel,
	}

	t.mu.Lock()
	prior := t.ops[slot]
	t.ops[slot] = op
	t.mu.Unlock()

	if prior != nil {
		t.cancelOperation(prior)
	}
	return op
}

// Cancel flips the token of the slot's live operation, if any, and reports
// whether an operation was cancelled. Cancelling an already-settled
// operation is a no-op.
func (t *SlotTable) Cancel(slot Slot) bool {
	t.mu.Lock()
	op := t.ops[slot]
	t.mu.Unlock()
	if op == nil {
		return false
	}
	return t.cancelOperation(op)
}

// Settle marks the operation complete and reports whether its result may be
// committed. A false return means the operation was cancelled or superseded
// while in flight and its result must be discarded.
func (t *SlotTable) Settle(op *Operation) bool {
	if op == nil {
		return false
	}

	t.mu.Lock()
	current := t.ops[op.slot] == op
	if current {
		delete(t.ops, op.slot)
	}
	t.mu.Unlock()

	ok := op.markSettled()
	op.cancel()
	return ok && current
}

// Live reports whether the slot currently holds an unsettled operation.
func (t *SlotTable) Live(slot Slot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ops[slot]
	return ok
}

// AnyLive reports whether any of the given slots holds a live operation.
func (t *SlotTable) AnyLive(slots ...Slot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, slot := range slots {
		if _, ok := t.ops[slot]; ok {
			return true
		}
	}
	return false
}

func (t *SlotTable) cancelOperation(op *Operation) bool {
	if !op.markCancelled() {
		return false
	}
	op.cancel()
	if t.notify != nil {
		// Best-effort backend abandonment; runs off the caller's path so a
		// slow or failing notification never delays local cancellation.
		go t.notify(op.id)
	}
	return true
}
