package reminders

import (
	"sync"

	"github.com/tazhate/ffdash/internal/domain"
)

// Repository persists reminders for the page. Get returns nil, nil when the
// id is unknown.
type Repository interface {
	Save(r *domain.Reminder) error
	Get(id int64) (*domain.Reminder, error)
	Delete(id int64) error
	List() ([]*domain.Reminder, error)
	// Replace stores r and drops the record under oldID.
	Replace(oldID int64, r *domain.Reminder) error
}

// MemoryRepository keeps reminders in a map. The store falls back to it when
// durable storage fails.
type MemoryRepository struct {
	mu        sync.RWMutex
	reminders map[int64]*domain.Reminder
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{reminders: make(map[int64]*domain.Reminder)}
}

func (m *MemoryRepository) Save(r *domain.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders[r.ID] = r.Clone()
	return nil
}

func (m *MemoryRepository) Get(id int64) (*domain.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reminders[id].Clone(), nil
}

func (m *MemoryRepository) Delete(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reminders, id)
	return nil
}

func (m *MemoryRepository) List() ([]*domain.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Reminder, 0, len(m.reminders))
	for _, r := range m.reminders {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *MemoryRepository) Replace(oldID int64, r *domain.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reminders, oldID)
	m.reminders[r.ID] = r.Clone()
	return nil
}
