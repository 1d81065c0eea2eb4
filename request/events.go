package request

import (
	"sync"

	"nlustream/frame"
)

// Topic is an ordered list of subscribers for one event.
type Topic[T any] struct {
	mu   sync.Mutex
	next int
	subs []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Topic[T]) publish(v T) {
	t.mu.Lock()
	subs := append([]subscriber[T](nil), t.subs...)
	t.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}

func (t *Topic[T]) clear() {
	t.mu.Lock()
	t.subs = nil
	t.mu.Unlock()
}

// Events groups every topic a request publishes. All events are delivered on the
// cooperative loop.
type Events struct {
	Created              Topic[*Request]
	Initialized          Topic[*Request]
	StreamReady          Topic[*Request]
	StateChanged         Topic[StateChange]
	PartialTranscription Topic[string]
	FullTranscription    Topic[string]
	PartialResponse      Topic[*frame.Frame]
	FullResponse         Topic[*frame.Frame]
	Success              Topic[*Results]
	Failure              Topic[*Error]
	Cancel               Topic[*Error]
	Complete             Topic[*Request]
}

func (e *Events) clear() {
	e.Created.clear()
	e.Initialized.clear()
	e.StreamReady.clear()
	e.StateChanged.clear()
	e.PartialTranscription.clear()
	e.FullTranscription.clear()
	e.PartialResponse.clear()
	e.FullResponse.clear()
	e.Success.clear()
	e.Failure.clear()
	e.Cancel.clear()
	e.Complete.clear()
}
