package reminders

import (
	"log"
	"sync"

	"github.com/tazhate/ffdash/internal/domain"
)

// Bus fans store events out to subscribers. Handlers run synchronously on the
// publishing goroutine, after the store released its locks.
type Bus struct {
	mu       sync.RWMutex
	handlers []func(domain.ReminderEvent)
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(fn func(domain.ReminderEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

func (b *Bus) Publish(ev domain.ReminderEvent) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.dispatch(fn, ev)
	}
}

func (b *Bus) dispatch(fn func(domain.ReminderEvent), ev domain.ReminderEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[reminders] event handler panic on %s: %v", ev.Kind, r)
		}
	}()
	fn(ev)
}
