// Package pipeline implements a synchronous broadcast primitive: every value
// sent on a Pipeline is handed to each live subscription, in subscription
// order, on the sender's goroutine. Values are not buffered, so subscribers
// only see values sent after they subscribed.
package pipeline

import (
	"sync"
	"sync/atomic"
)

type Pipeline[T any] struct {
	mu     sync.RWMutex
	subs   []*Subscription
	parent *Subscription
}

// Subscription is a handle to a callback piped from a Pipeline.
type Subscription struct {
	cancelled atomic.Bool
	callback  func(any)
	remove    func(*Subscription)
	children  []func()
	mu        sync.Mutex
}

func New[T any]() *Pipeline[T] {
	return &Pipeline[T]{}
}

// Send delivers value to every subscription that is live at the time of the
// call. A subscription cancelled while Send is iterating is skipped.
func (p *Pipeline[T]) Send(value T) {
	p.mu.RLock()
	subs := make([]*Subscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.RUnlock()
	for _, sub := range subs {
		if sub.cancelled.Load() {
			continue
		}
		sub.callback(value)
	}
}

// Pipe subscribes callback to the pipeline.
func (p *Pipeline[T]) Pipe(callback func(T)) *Subscription {
	sub := &Subscription{
		callback: func(v any) { callback(v.(T)) },
		remove:   p.remove,
	}
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return sub
}

// Filter returns a pipeline that only receives values matching pred.
// Cancelling the returned pipeline's Cancel detaches it from p.
func (p *Pipeline[T]) Filter(pred func(T) bool) *Pipeline[T] {
	child := New[T]()
	child.parent = p.Pipe(func(v T) {
		if pred(v) {
			child.Send(v)
		}
	})
	return child
}

// Cancel detaches a derived pipeline from its parent. It is a no-op for
// pipelines created with New.
func (p *Pipeline[T]) Cancel() {
	if p.parent != nil {
		p.parent.Cancel()
	}
}

// Len returns the number of live subscriptions.
func (p *Pipeline[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

func (p *Pipeline[T]) remove(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.subs {
		if existing == sub {
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			return
		}
	}
}

// Map returns a pipeline receiving fn applied to every value sent on p.
func Map[T, U any](p *Pipeline[T], fn func(T) U) *Pipeline[U] {
	child := New[U]()
	child.parent = p.Pipe(func(v T) {
		child.Send(fn(v))
	})
	return child
}

// Cancel removes the subscription. It is safe to call more than once and
// from inside the subscription's own callback.
func (s *Subscription) Cancel() {
	if s == nil || !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.remove(s)
	s.mu.Lock()
	children := s.children
	s.children = nil
	s.mu.Unlock()
	for _, cancel := range children {
		cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (s *Subscription) Cancelled() bool {
	return s.cancelled.Load()
}

// OnCancel registers fn to run when the subscription is cancelled. If it is
// already cancelled fn runs immediately.
func (s *Subscription) OnCancel(fn func()) {
	s.mu.Lock()
	if s.cancelled.Load() {
		s.mu.Unlock()
		fn()
		return
	}
	s.children = append(s.children, fn)
	s.mu.Unlock()
}
