package session

import (
	"context"
	"sync"
	"time"

	"github.com/srg/pmdctl/internal/pmd"
)

// Reply is a raw control point notification.
type Reply struct {
	Data       []byte
	ReceivedAt time.Time
}

type result struct {
	reply Reply
	err   error
}

// Request is the one control point request awaiting its reply.
type Request struct {
	Command  pmd.Command
	Sensor   pmd.SensorType
	IssuedAt time.Time

	done chan result // buffered, written exactly once
}

// Wait suspends until the request is resolved or ctx is done.
func (r *Request) Wait(ctx context.Context) (Reply, error) {
	select {
	case res := <-r.done:
		return res.reply, res.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Pending is the single outstanding request slot of a connection.
type Pending struct {
	mu   sync.Mutex
	slot *Request
}

// NewPending returns an empty slot.
func NewPending() *Pending {
	return &Pending{}
}

// Acquire claims the slot for a new request. It fails with
// ErrRequestInFlight if another request has not been resolved or released.
func (p *Pending) Acquire(cmd pmd.Command, sensor pmd.SensorType) (*Request, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slot != nil {
		return nil, ErrRequestInFlight
	}
	p.slot = &Request{
		Command:  cmd,
		Sensor:   sensor,
		IssuedAt: time.Now(),
		done:     make(chan result, 1),
	}
	return p.slot, nil
}

// Resolve hands reply to the outstanding request and empties the slot.
// It returns the resolved request, or nil if nothing was pending.
func (p *Pending) Resolve(reply Reply) *Request {
	return p.complete(result{reply: reply})
}

// Fail resolves the outstanding request with err.
func (p *Pending) Fail(err error) *Request {
	return p.complete(result{err: err})
}

func (p *Pending) complete(res result) *Request {
	p.mu.Lock()
	req := p.slot
	p.slot = nil
	p.mu.Unlock()
	if req != nil {
		req.done <- res
	}
	return req
}

// Release empties the slot if it still holds req, after its waiter gave up.
func (p *Pending) Release(req *Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slot == req {
		p.slot = nil
	}
}

// Busy reports whether a request is outstanding.
func (p *Pending) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slot != nil
}
