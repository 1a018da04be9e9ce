package communicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Wait registry errors.
var (
	// ErrWaitTimeout indicates no response arrived before the slot timed out.
	ErrWaitTimeout = errors.New("elicitation wait timed out")

	// ErrWaitCancelled indicates the workflow was cancelled while waiting.
	ErrWaitCancelled = errors.New("elicitation wait cancelled")

	// ErrNoPendingWait indicates no slot is registered for the message ID.
	ErrNoPendingWait = errors.New("no pending wait for message")

	// ErrDuplicateWait indicates a slot already exists for the message ID.
	// Slots are single-registration: one wait per message.
	ErrDuplicateWait = errors.New("wait already registered for message")
)

type waitResult struct {
	response any
	err      error
}

type waitSlot struct {
	workflowID string
	created    time.Time
	result     chan waitResult
}

// WaitRegistry tracks single-slot elicitation waits keyed by message ID.
// Every slot carries a timeout; an age sweep removes leaked slots as a
// safety net.
type WaitRegistry struct {
	mu       sync.Mutex
	slots    map[string]*waitSlot
	timeout  time.Duration
	sweepAge time.Duration
}

// NewWaitRegistry creates a registry with the given default timeout and
// sweep age. Zero values fall back to 5 and 10 minutes.
func NewWaitRegistry(timeout, sweepAge time.Duration) *WaitRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	if sweepAge <= 0 {
		sweepAge = 10 * time.Minute
	}

	return &WaitRegistry{
		slots:    make(map[string]*waitSlot),
		timeout:  timeout,
		sweepAge: sweepAge,
	}
}

// Wait registers a slot for messageID and blocks until a response arrives,
// the timeout elapses, the workflow is cancelled, or ctx is done. The slot
// is removed before Wait returns.
func (r *WaitRegistry) Wait(ctx context.Context, messageID, workflowID string) (any, error) {
	return r.WaitWithTimeout(ctx, messageID, workflowID, r.timeout)
}

// WaitWithTimeout is Wait with an explicit per-call timeout.
func (r *WaitRegistry) WaitWithTimeout(ctx context.Context, messageID, workflowID string, timeout time.Duration) (any, error) {
	slot, err := r.register(messageID, workflowID)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-slot.result:
		return result.response, result.err
	case <-timer.C:
		r.remove(messageID)

		return nil, fmt.Errorf("%w: message %s after %s", ErrWaitTimeout, messageID, timeout)
	case <-ctx.Done():
		r.remove(messageID)

		return nil, ctx.Err()
	}
}

func (r *WaitRegistry) register(messageID, workflowID string) (*waitSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[messageID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateWait, messageID)
	}

	slot := &waitSlot{
		workflowID: workflowID,
		created:    time.Now(),
		result:     make(chan waitResult, 1),
	}
	r.slots[messageID] = slot

	return slot, nil
}

func (r *WaitRegistry) remove(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.slots, messageID)
}

// Resolve delivers the user's response to the waiting slot.
func (r *WaitRegistry) Resolve(messageID string, response any) error {
	r.mu.Lock()
	slot, ok := r.slots[messageID]
	if ok {
		delete(r.slots, messageID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingWait, messageID)
	}

	slot.result <- waitResult{response: response}

	return nil
}

// CancelWorkflow rejects every pending wait registered under the workflow
// ID with a cancellation reason, and reports how many were rejected.
func (r *WaitRegistry) CancelWorkflow(workflowID, reason string) int {
	r.mu.Lock()

	var cancelled []*waitSlot

	for messageID, slot := range r.slots {
		if slot.workflowID == workflowID {
			cancelled = append(cancelled, slot)
			delete(r.slots, messageID)
		}
	}
	r.mu.Unlock()

	for _, slot := range cancelled {
		slot.result <- waitResult{err: fmt.Errorf("%w: %s", ErrWaitCancelled, reason)}
	}

	return len(cancelled)
}

// Sweep rejects and removes every slot older than the sweep age. It exists
// as a leak guard behind the per-slot timeouts and is run periodically by
// the engine worker.
func (r *WaitRegistry) Sweep() int {
	cutoff := time.Now().Add(-r.sweepAge)

	r.mu.Lock()

	var stale []*waitSlot

	for messageID, slot := range r.slots {
		if slot.created.Before(cutoff) {
			stale = append(stale, slot)
			delete(r.slots, messageID)
		}
	}
	r.mu.Unlock()

	for _, slot := range stale {
		slot.result <- waitResult{err: fmt.Errorf("%w: swept after %s", ErrWaitTimeout, r.sweepAge)}
	}

	return len(stale)
}

// Pending returns the number of open wait slots.
func (r *WaitRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.slots)
}
