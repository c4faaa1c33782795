package protocol

import (
	"encoding/json"
	"sync"
	"time"
)

// ProgressUpdate is delivered to a pending request's onProgress
// callback for each notifications/progress addressed to its token.
type ProgressUpdate struct {
	Progress float64
	Total    *float64
	Message  string
}

// RequestOutcome is what a pending outbound request resolves with:
// exactly one of Result/Err is set. Late duplicates (a second
// response/error for the same id) are dropped by the pending table.
type RequestOutcome struct {
	Result json.RawMessage
	Err    error
}

// pendingRequest is the engine's bookkeeping for one in-flight outbound
// request. Its lifetime runs from beginRequest until exactly one of: a
// matching response, the soft/hard deadline, or cancellation.
type pendingRequest struct {
	mu sync.Mutex

	id       RequestID
	method   string
	validate Validator

	startedAt       time.Time
	timeout         time.Duration
	maxTotalTimeout time.Duration // 0 means no hard ceiling
	resetOnProgress bool

	progressToken *uint64
	onProgress    func(ProgressUpdate)

	softTimer *time.Timer
	hardTimer *time.Timer

	resultCh chan RequestOutcome
	settled  bool
}

func newPendingRequest(id RequestID, method string, validate Validator, timeout, maxTotal time.Duration, resetOnProgress bool, progressToken *uint64, onProgress func(ProgressUpdate)) *pendingRequest {
	return &pendingRequest{
		id:              id,
		method:          method,
		validate:        validate,
		startedAt:       time.Now(),
		timeout:         timeout,
		maxTotalTimeout: maxTotal,
		resetOnProgress: resetOnProgress,
		progressToken:   progressToken,
		onProgress:      onProgress,
		resultCh:        make(chan RequestOutcome, 1),
	}
}

// armTimers starts the soft deadline (always, if timeout > 0) and the
// hard ceiling (if configured), wiring both to fail the request with a
// timeout error. timeout == 0 fails immediately.
func (p *pendingRequest) armTimers(onExpire func(*pendingRequest, string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	if p.timeout == 0 {
		// Boundary case: timeout=0 fails immediately.
		go onExpire(p, "Request timed out")
		return
	}
	p.softTimer = time.AfterFunc(p.timeout, func() { onExpire(p, "Request timed out") })
	if p.maxTotalTimeout > 0 {
		p.hardTimer = time.AfterFunc(p.maxTotalTimeout, func() { onExpire(p, "Maximum total timeout exceeded") })
	}
}

// onProgressNotification resets the soft deadline, provided
// resetOnProgress is set and the hard ceiling (if any) has not yet been
// reached. Returns false if the update was dropped (e.g. the request
// already settled).
func (p *pendingRequest) onProgressNotification(update ProgressUpdate) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	if p.resetOnProgress && p.softTimer != nil {
		if p.maxTotalTimeout == 0 || time.Since(p.startedAt) < p.maxTotalTimeout {
			p.softTimer.Reset(p.timeout)
		}
	}
	cb := p.onProgress
	if cb != nil {
		cb(update)
	}
	return true
}

// settle resolves the pending request exactly once; later calls are
// no-ops so that a late-arriving response after a timeout/cancel (or a
// duplicate response) never double-delivers.
func (p *pendingRequest) settle(outcome RequestOutcome) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	if p.softTimer != nil {
		p.softTimer.Stop()
	}
	if p.hardTimer != nil {
		p.hardTimer.Stop()
	}
	p.resultCh <- outcome
	close(p.resultCh)
	return true
}

// pendingTable owns every in-flight outbound request for one engine
// instance, keyed by request id.
type pendingTable struct {
	mu           sync.Mutex
	byID         map[string]*pendingRequest
	byToken      map[uint64]*pendingRequest
	progressIDs  idAllocator
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		byID:    make(map[string]*pendingRequest),
		byToken: make(map[uint64]*pendingRequest),
	}
}

func (t *pendingTable) register(p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[p.id.String()] = p
	if p.progressToken != nil {
		t.byToken[*p.progressToken] = p
	}
}

func (t *pendingTable) remove(p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, p.id.String())
	if p.progressToken != nil {
		delete(t.byToken, *p.progressToken)
	}
}

func (t *pendingTable) lookupByID(id *RequestID) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id.String()]
	return p, ok
}

// lookupByToken resolves the pending request a progress notification's
// token refers to. Unknown tokens return ok=false so the caller can
// silently drop them.
func (t *pendingTable) lookupByToken(token uint64) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byToken[token]
	return p, ok
}

// drainAll settles every pending request with the given error, used
// when the transport closes.
func (t *pendingTable) drainAll(err error) {
	t.mu.Lock()
	all := make([]*pendingRequest, 0, len(t.byID))
	for _, p := range t.byID {
		all = append(all, p)
	}
	t.byID = make(map[string]*pendingRequest)
	t.byToken = make(map[uint64]*pendingRequest)
	t.mu.Unlock()

	for _, p := range all {
		p.settle(RequestOutcome{Err: err})
	}
}

func (t *pendingTable) nextProgressToken() uint64 {
	return t.progressIDs.next()
}
