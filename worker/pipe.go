package worker

import "sync"

// pipe is an unbounded FIFO of encoded envelopes. Pushing never blocks, so
// neither stage loop can stall on the other.
type pipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]byte
	closed bool
}

func newPipe() *pipe {
	p := &pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// push appends data. It reports false once the pipe is closed.
func (p *pipe) push(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	p.items = append(p.items, data)
	p.cond.Signal()
	return true
}

// pop waits for the next item. It reports false when the pipe is closed and
// drained.
func (p *pipe) pop() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.items) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.items) == 0 {
		return nil, false
	}

	data := p.items[0]
	p.items[0] = nil
	p.items = p.items[1:]
	return data, true
}

func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.cond.Broadcast()
}
