package runtime

import (
	"context"
	"sync"
)

// Pipe is the message channel half of a Session, shared by drivers.
type Pipe struct {
	ch   chan Message
	done chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func NewPipe(buffer int) *Pipe {
	if buffer < 0 {
		buffer = 0
	}
	return &Pipe{
		ch:   make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

func (p *Pipe) Messages() <-chan Message {
	return p.ch
}

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Send delivers msg unless ctx ends or the pipe is abandoned first.
func (p *Pipe) Send(ctx context.Context, msg Message) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.ch <- msg:
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Finish records the terminal error and closes the channel. Only the first
// call has effect; it must be made by the single producer goroutine.
func (p *Pipe) Finish(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.ch)
	})
}

// Abandon tells the producer that nobody will read further messages.
func (p *Pipe) Abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// Abandoned is closed once the consumer has gone away.
func (p *Pipe) Abandoned() <-chan struct{} {
	return p.done
}
