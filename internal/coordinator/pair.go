package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sebas/callbridge/internal/call"
	"github.com/sebas/callbridge/internal/endpoint"
)

// job is one relay step. Jobs of a pair run in enqueue order.
type job func(ctx context.Context)

// pair links the chat and remote endpoints of one call.
type pair struct {
	callID    string
	origin    endpoint.Side
	createdAt time.Time

	mu       sync.Mutex
	chat     *endpoint.Endpoint
	remote   *endpoint.Endpoint
	state    call.State
	reason   string
	queue    []job
	draining bool
	finished bool
}

func newPair(callID string, origin endpoint.Side) *pair {
	return &pair{
		callID:    callID,
		origin:    origin,
		createdAt: time.Now(),
		state:     call.StateNew,
	}
}

// attach sets the endpoint of its side. It reports false when that side
// already holds an endpoint.
func (p *pair) attach(ep *endpoint.Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := &p.chat
	if ep.Side() == endpoint.SideRemote {
		slot = &p.remote
	}
	if *slot != nil {
		return *slot == ep
	}
	*slot = ep
	return true
}

func (p *pair) peerOf(side endpoint.Side) *endpoint.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if side == endpoint.SideChat {
		return p.remote
	}
	return p.chat
}

func (p *pair) owns(ep *endpoint.Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ep == p.chat || ep == p.remote
}

func (p *pair) endpoints() (chat, remote *endpoint.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chat, p.remote
}

// advance moves the pair state along kind unless it already ended.
func (p *pair) advance(kind call.Kind) call.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = p.state.Next(kind)
	return p.state
}

// end records a terminal state and reason. Only the first call has effect.
func (p *pair) end(state call.State, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return false
	}
	p.state = state
	p.reason = reason
	return true
}

func (p *pair) snapshotState() (call.State, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.reason
}

// settled reports whether every attached endpoint has closed.
func (p *pair) settled() bool {
	chat, remote := p.endpoints()
	return closed(chat) && closed(remote)
}

func closed(ep *endpoint.Endpoint) bool {
	if ep == nil {
		return true
	}
	select {
	case <-ep.Done():
		return true
	default:
		return false
	}
}

// markFinished reports whether this call is the first to finish the pair.
func (p *pair) markFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return false
	}
	p.finished = true
	return true
}

// push queues j and reports whether the caller must start a drain.
func (p *pair) push(j job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, j)
	if p.draining {
		return false
	}
	p.draining = true
	return true
}

// pop returns the next job or clears the draining flag when the queue is empty.
func (p *pair) pop() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		p.draining = false
		return nil, false
	}
	j := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return j, true
}

func (p *pair) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.draining = false
}
