package chat

import (
	"errors"
	"sync"
)

// errPipeDrained signals that the send side closed and every queued event
// has been consumed.
var errPipeDrained = errors.New("chat: stream pipe drained")

// eventPipe is the bounded FIFO between the goroutine producing stream
// events and the consumer iterating the Stream. put blocks while the queue
// is full, next blocks while it is empty. closeSend lets queued events
// drain; close fails both sides immediately.
type eventPipe struct {
	mu   sync.Mutex
	cond sync.Cond

	queue    []*streamEvent
	capacity int
	sendDone bool
	closeErr error
}

func newEventPipe(capacity int) *eventPipe {
	p := &eventPipe{capacity: capacity}
	p.cond.L = &p.mu
	return p
}

func (p *eventPipe) put(evt *streamEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closeErr != nil {
			return p.closeErr
		}
		if p.sendDone {
			return errPipeDrained
		}
		if len(p.queue) < p.capacity {
			break
		}
		p.cond.Wait()
	}
	p.queue = append(p.queue, evt)
	p.cond.Broadcast()
	return nil
}

func (p *eventPipe) next() (*streamEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closeErr != nil {
			return nil, p.closeErr
		}
		if len(p.queue) > 0 {
			evt := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.cond.Broadcast()
			return evt, nil
		}
		if p.sendDone {
			return nil, errPipeDrained
		}
		p.cond.Wait()
	}
}

// closeSend stops further puts. Queued events remain readable; next
// returns errPipeDrained once they are gone.
func (p *eventPipe) closeSend() {
	p.mu.Lock()
	p.sendDone = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// close tears the pipe down with err, unblocking both sides. Only the
// first close takes effect.
func (p *eventPipe) close(err error) {
	p.mu.Lock()
	if p.closeErr == nil {
		p.closeErr = err
		p.sendDone = true
		p.queue = nil
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}
