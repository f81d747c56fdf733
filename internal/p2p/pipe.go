// internal/p2p/pipe.go
package p2p

import "sync"

// Pipe returns two connected in-memory channel ends. Messages sent on one
// end are delivered to the other's OnMessage handler; sends before a handler
// is registered are buffered. Used by tests and local loopback play.
func Pipe() (Channel, Channel) {
	a := &pipeEnd{}
	b := &pipeEnd{}
	a.peer = b
	b.peer = a
	return a, b
}

type pipeEnd struct {
	mu        sync.Mutex
	peer      *pipeEnd
	onMessage func([]byte)
	onClose   func(error)
	buffer    [][]byte
	closed    bool
}

func (e *pipeEnd) Send(data []byte) error {
	p := e.peer
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrChannelClosed
	}
	if p.onMessage == nil {
		cp := append([]byte(nil), data...)
		p.buffer = append(p.buffer, cp)
		p.mu.Unlock()
		return nil
	}
	fn := p.onMessage
	p.mu.Unlock()
	fn(data)
	return nil
}

func (e *pipeEnd) OnMessage(fn func(data []byte)) {
	e.mu.Lock()
	e.onMessage = fn
	buffered := e.buffer
	e.buffer = nil
	e.mu.Unlock()
	for _, data := range buffered {
		fn(data)
	}
}

func (e *pipeEnd) OnClose(fn func(err error)) {
	e.mu.Lock()
	e.onClose = fn
	e.mu.Unlock()
}

// Close shuts both ends; each end's OnClose fires at most once.
func (e *pipeEnd) Close() error {
	e.closeEnd()
	e.peer.closeEnd()
	return nil
}

func (e *pipeEnd) closeEnd() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	fn := e.onClose
	e.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}
