package notify

import (
	"context"
	"sync"
)

// InMemoryPublisher records events for assertions in tests.
type InMemoryPublisher struct {
	mu         sync.Mutex
	Shortfalls []ShortfallEvent
	Drives     []DriveEvent
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

func (p *InMemoryPublisher) PublishShortfall(_ context.Context, event ShortfallEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Shortfalls = append(p.Shortfalls, event)
	return nil
}

func (p *InMemoryPublisher) PublishDrive(_ context.Context, event DriveEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Drives = append(p.Drives, event)
	return nil
}

func (p *InMemoryPublisher) Close() error { return nil }

// LastShortfall returns the newest recorded shortfall, if any.
func (p *InMemoryPublisher) LastShortfall() (ShortfallEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Shortfalls) == 0 {
		return ShortfallEvent{}, false
	}
	return p.Shortfalls[len(p.Shortfalls)-1], true
}
