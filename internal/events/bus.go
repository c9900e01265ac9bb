// Package events is the in-process notification bus shared by the terminal's
// services. Event kinds form a closed set; each kind is bound to one payload
// type through a Topic so handlers are checked at compile time.
package events

import (
	"sync"
)

type Kind int

const (
	KindSettingsChanged Kind = iota + 1
	KindConnectivityChanged
	KindSyncCompleted
	KindStockUpdated
	KindTransactionQueued
)

type Topic[T any] struct {
	kind Kind
}

func (t Topic[T]) Kind() Kind {
	return t.kind
}

type SettingsChange struct {
	Key   string
	Value string
}

type ConnectivityChange struct {
	Online bool
}

type SyncSummary struct {
	Trigger string
	Synced  int
	Failed  int
	Dead    int
	Pending int
}

type StockChange struct {
	ItemCodes []string
}

type TransactionQueued struct {
	OfflineID string
}

var (
	SettingsChanged     = Topic[SettingsChange]{kind: KindSettingsChanged}
	ConnectivityChanged = Topic[ConnectivityChange]{kind: KindConnectivityChanged}
	SyncCompleted       = Topic[SyncSummary]{kind: KindSyncCompleted}
	StockUpdated        = Topic[StockChange]{kind: KindStockUpdated}
	Queued              = Topic[TransactionQueued]{kind: KindTransactionQueued}
)

type subscription struct {
	id      uint64
	handler func(any)
}

// Bus delivers events synchronously on the emitting goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// On registers handler for topic and returns a function that removes it.
func On[T any](b *Bus, topic Topic[T], handler func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic.kind] = append(b.subs[topic.kind], subscription{
		id: id,
		handler: func(payload any) {
			handler(payload.(T))
		},
	})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic.kind, id) })
	}
}

func Emit[T any](b *Bus, topic Topic[T], payload T) {
	if b == nil {
		return
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[topic.kind]))
	copy(subs, b.subs[topic.kind])
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(payload)
	}
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) Count(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
