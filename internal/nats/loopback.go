package nats

import (
	"context"
	"sync"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
)

// Loopback is an in-process change feed used when no NATS server is
// configured. It fans events out to subscribers of the same user.
type Loopback struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string]map[chan model.ChangeEvent]struct{}
}

// NewLoopback creates an empty in-process feed.
func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[string]map[chan model.ChangeEvent]struct{})}
}

// PublishChange delivers ev to current subscribers of ev.UserID. Slow
// subscribers block the publisher until ctx ends.
func (l *Loopback) PublishChange(ctx context.Context, ev model.ChangeEvent) error {
	l.mu.Lock()
	l.seq++
	ev.Sequence = l.seq
	targets := make([]chan model.ChangeEvent, 0, len(l.subs[ev.UserID]))
	for ch := range l.subs[ev.UserID] {
		targets = append(targets, ch)
	}
	l.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx ends.
func (l *Loopback) Subscribe(ctx context.Context, userID string) (<-chan model.ChangeEvent, error) {
	ch := make(chan model.ChangeEvent, feedBuffer)

	l.mu.Lock()
	if l.subs[userID] == nil {
		l.subs[userID] = make(map[chan model.ChangeEvent]struct{})
	}
	l.subs[userID][ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs[userID], ch)
		l.mu.Unlock()
	}()

	return ch, nil
}

// Subscribers returns the number of active subscribers of a user.
func (l *Loopback) Subscribers(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[userID])
}
