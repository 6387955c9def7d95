// Package events delivers token lifecycle events to in-process subscribers.
package events

import (
	"context"
	"sync"
)

// Event is a lifecycle notification.
type Event interface {
	Name() string
}

// ProfileUpdated is published when a site's stored Instagram user id changes.
// PreviousUserID is empty on first connection.
type ProfileUpdated struct {
	SiteID         int64
	PreviousUserID string
	UserID         string
}

func (ProfileUpdated) Name() string { return "profile.updated" }

// ProfileDeleted is published when the data of a connected site is removed.
type ProfileDeleted struct {
	SiteID int64
	UserID string
}

func (ProfileDeleted) Name() string { return "profile.deleted" }

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(ctx context.Context, event Event)

// Publisher is the producer side of a Bus.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Bus fans events out to every subscriber in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

var _ Publisher = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, event)
	}
}
