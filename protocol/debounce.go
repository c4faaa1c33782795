package protocol

import (
	"sync"
	"time"
)

// pendingNotification is what the debouncer buffers for one method
// name between its first debounced call and the scheduled flush.
type pendingNotification struct {
	flushTimer *time.Timer
}

// debouncer coalesces parameterless notifications per method name
// until the next scheduler tick. Go has no microtask queue;
// time.AfterFunc(0, ...) is the nearest stdlib analogue to "the next
// microtask checkpoint" - it schedules the flush onto the runtime's
// timer heap rather than running it inline, so synchronous calls within
// the same batch still collapse into one send.
type debouncer struct {
	mu      sync.Mutex
	eligible map[string]bool
	pending  map[string]*pendingNotification
	closed   bool

	send func(method string)
}

func newDebouncer(eligibleMethods map[string]bool, send func(method string)) *debouncer {
	if eligibleMethods == nil {
		eligibleMethods = map[string]bool{}
	}
	return &debouncer{
		eligible: eligibleMethods,
		pending:  make(map[string]*pendingNotification),
		send:     send,
	}
}

// shouldDebounce implements the eligibility rule: a notification is
// debounced only when it carries no params and no relatedRequestId;
// otherwise it must be sent immediately to avoid data loss.
func (d *debouncer) shouldDebounce(method string, hasParams bool, relatedRequestID *RequestID) bool {
	if hasParams || relatedRequestID != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eligible[method]
}

// Notify schedules (or joins an already-scheduled) flush for method.
// Sequential batches produce sequential sends: once a batch's flush
// fires, a subsequent call starts a fresh batch.
func (d *debouncer) Notify(method string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if _, scheduled := d.pending[method]; scheduled {
		return // already coalesced into the in-flight batch
	}
	entry := &pendingNotification{}
	d.pending[method] = entry
	entry.flushTimer = time.AfterFunc(0, func() { d.flush(method) })
}

func (d *debouncer) flush(method string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, method)
	d.mu.Unlock()
	d.send(method)
}

// Close discards any pending debounced notifications without sending
// them.
func (d *debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for method, entry := range d.pending {
		entry.flushTimer.Stop()
		delete(d.pending, method)
	}
}
