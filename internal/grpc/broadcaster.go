package grpc

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mr1hm/go-weather-ingest/internal/models"
)

const subscriberBuffer = 32

type subscriber struct {
	ch       chan *models.CollectionRun
	adapters []string // empty means every adapter
}

func (s subscriber) wants(run *models.CollectionRun) bool {
	if len(s.adapters) == 0 {
		return true
	}
	for _, a := range run.Adapters {
		if slices.Contains(s.adapters, a) {
			return true
		}
	}
	return false
}

// Broadcaster fans finalized collection runs out to subscribers (the health
// service, SSE clients). It remembers the latest run per adapter so a new
// subscriber starts from current state. Slow subscribers miss runs rather
// than block.
type Broadcaster struct {
	subscribers map[uint64]subscriber
	latest      map[string]*models.CollectionRun
	nextID      atomic.Uint64
	mu          sync.RWMutex
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uint64]subscriber),
		latest:      make(map[string]*models.CollectionRun),
	}
}

// Subscribe registers for runs that include any of the given adapters, or
// every run when none are given. The channel is primed with the latest known
// run for each matching adapter, oldest first.
func (b *Broadcaster) Subscribe(adapters ...string) (uint64, chan *models.CollectionRun) {
	id := b.nextID.Add(1)
	sub := subscriber{
		ch:       make(chan *models.CollectionRun, subscriberBuffer),
		adapters: adapters,
	}

	b.mu.Lock()
	for _, run := range b.replay(sub) {
		sub.ch <- run
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	return id, sub.ch
}

// replay must be called with b.mu held.
func (b *Broadcaster) replay(sub subscriber) []*models.CollectionRun {
	var runs []*models.CollectionRun
	for _, run := range b.latest {
		if sub.wants(run) && !slices.Contains(runs, run) {
			runs = append(runs, run)
		}
	}
	slices.SortFunc(runs, func(a, c *models.CollectionRun) int {
		switch {
		case a.ID < c.ID:
			return -1
		case a.ID > c.ID:
			return 1
		}
		return 0
	})
	if len(runs) > subscriberBuffer {
		runs = runs[len(runs)-subscriberBuffer:]
	}
	return runs
}

func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) Publish(run *models.CollectionRun) {
	if run == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, a := range run.Adapters {
		if prev, ok := b.latest[a]; !ok || prev.ID <= run.ID {
			b.latest[a] = run
		}
	}
	for _, sub := range b.subscribers {
		if !sub.wants(run) {
			continue
		}
		select {
		case sub.ch <- run:
		default:
		}
	}
}

// Latest returns the most recent published run for adapter, or nil.
func (b *Broadcaster) Latest(adapter string) *models.CollectionRun {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest[adapter]
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels, causing streams to exit gracefully
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
