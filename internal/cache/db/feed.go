package db

import "sync"

// Feed fans out change notifications for one table.
//
// Notifications carry no payload; subscribers re-read the table. Each
// subscriber channel has capacity 1 and Publish never blocks, so bursts of
// merges coalesce into a single pending wake-up.
type Feed struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[chan struct{}]struct{})}
}

// Subscribe registers a listener. The returned cancel func unregisters it
// and is safe to call more than once.
func (f *Feed) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
		})
	}
}

// Publish wakes every subscriber.
func (f *Feed) Publish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
			// already pending
		}
	}
}

// Len returns the number of active subscribers.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
