package browser

import "sync"

// pump decouples chromedp's synchronous listener callback from the consumer.
// push never blocks and never drops; run forwards queued events in order
// until done is closed, then closes out.
type pump[T any] struct {
	mu      sync.Mutex
	pending []T
	wake    chan struct{}
	out     chan T
}

func newPump[T any]() *pump[T] {
	return &pump[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
}

func (p *pump[T]) push(v T) {
	p.mu.Lock()
	p.pending = append(p.pending, v)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pump[T]) next() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	if len(p.pending) == 0 {
		return zero, false
	}
	v := p.pending[0]
	p.pending[0] = zero
	p.pending = p.pending[1:]
	return v, true
}

func (p *pump[T]) run(done <-chan struct{}) {
	defer close(p.out)
	for {
		v, ok := p.next()
		if !ok {
			select {
			case <-p.wake:
				continue
			case <-done:
				return
			}
		}
		select {
		case p.out <- v:
		case <-done:
			return
		}
	}
}
