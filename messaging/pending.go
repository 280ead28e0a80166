package messaging

import (
	"fmt"
	"sync"
)

// pendingCalls maps correlation ids to the call awaiting that reply.
// A reply can only ever resolve the entry registered under its own id.
type pendingCalls struct {
	mu      sync.Mutex
	calls   map[string]chan []byte
	metrics *Metrics
}

func newPendingCalls(metrics *Metrics) *pendingCalls {
	return &pendingCalls{
		calls:   make(map[string]chan []byte),
		metrics: metrics,
	}
}

// add registers a correlation id. The returned channel receives the reply body once.
func (p *pendingCalls) add(correlationID string) (<-chan []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.calls[correlationID]; exists {
		return nil, fmt.Errorf("call %s already pending", correlationID)
	}

	ch := make(chan []byte, 1)
	p.calls[correlationID] = ch
	p.metrics.SetPending(len(p.calls))
	return ch, nil
}

// resolve hands body to the call registered under correlationID and removes it.
// It reports false if no such call is pending.
func (p *pendingCalls) resolve(correlationID string, body []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, exists := p.calls[correlationID]
	if !exists {
		return false
	}
	delete(p.calls, correlationID)
	p.metrics.SetPending(len(p.calls))

	ch <- body
	return true
}

func (p *pendingCalls) remove(correlationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.calls, correlationID)
	p.metrics.SetPending(len(p.calls))
}

// Len returns the number of pending calls
func (p *pendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
