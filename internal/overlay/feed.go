package overlay

import (
	"slices"
	"sync"
)

// MaxComments is how many comments a Feed retains.
const MaxComments = 100

// Feed is the ordered list of recent comments shown in the overlay.
type Feed struct {
	mu       sync.Mutex
	comments []Comment
	subs     map[chan Comment]struct{}
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Comment]struct{})}
}

// Add appends c, trims the feed to MaxComments and notifies subscribers.
// A subscriber that is not keeping up misses the comment.
func (f *Feed) Add(c Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.comments = append(f.comments, c)
	if n := len(f.comments); n > MaxComments {
		f.comments = slices.Clone(f.comments[n-MaxComments:])
	}

	for ch := range f.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Snapshot returns a copy of the retained comments, oldest first.
func (f *Feed) Snapshot() []Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.comments)
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments)
}

// Subscribe returns a channel receiving every new comment and a function
// that unsubscribes and closes it.
func (f *Feed) Subscribe(buffer int) (<-chan Comment, func()) {
	ch := make(chan Comment, buffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
			close(ch)
		})
	}
}
