package localstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tazhate/ffdash/internal/domain"
)

var (
	remindersBucket = []byte("reminders")
	byFireBucket    = []byte("reminders_by_fire")
	settingsBucket  = []byte("settings")
)

// Store is a durable key-value store for one execution context. The page and
// the background worker each open their own file.
type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{remindersBucket, byFireBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// === Reminders ===

// Save writes the whole record, replacing any previous version.
func (s *Store) Save(r *domain.Reminder) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putReminder(tx, r)
	})
}

// Get returns the reminder or nil if it does not exist.
func (s *Store) Get(id int64) (*domain.Reminder, error) {
	var r *domain.Reminder
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		r, err = getReminder(tx, id)
		return err
	})
	return r, err
}

func (s *Store) Delete(id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteReminder(tx, id)
	})
}

// Replace stores r and removes the record under oldID in one transaction.
func (s *Store) Replace(oldID int64, r *domain.Reminder) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if oldID != r.ID {
			if err := deleteReminder(tx, oldID); err != nil {
				return err
			}
		}
		return putReminder(tx, r)
	})
}

// List returns every reminder in id order.
func (s *Store) List() ([]*domain.Reminder, error) {
	var reminders []*domain.Reminder
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(remindersBucket).ForEach(func(k, v []byte) error {
			r := &domain.Reminder{}
			if err := decodeBinary(v, r); err != nil {
				return fmt.Errorf("decode reminder %x: %w", k, err)
			}
			reminders = append(reminders, r)
			return nil
		})
	})
	return reminders, err
}

// ListByFireTime walks the fire-time index and returns reminders earliest first.
func (s *Store) ListByFireTime() ([]*domain.Reminder, error) {
	var reminders []*domain.Reminder
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(byFireBucket).Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			r, err := getReminder(tx, int64(binary.BigEndian.Uint64(k[8:])))
			if err != nil {
				return err
			}
			if r != nil {
				reminders = append(reminders, r)
			}
		}
		return nil
	})
	return reminders, err
}

func putReminder(tx *bbolt.Tx, r *domain.Reminder) error {
	if err := unindex(tx, r.ID); err != nil {
		return err
	}
	data, err := encodeToBinary(r)
	if err != nil {
		return fmt.Errorf("encode reminder: %w", err)
	}
	if err := tx.Bucket(remindersBucket).Put(idKey(r.ID), data); err != nil {
		return err
	}
	return tx.Bucket(byFireBucket).Put(fireKey(r.FireEpoch(), r.ID), nil)
}

func getReminder(tx *bbolt.Tx, id int64) (*domain.Reminder, error) {
	data := tx.Bucket(remindersBucket).Get(idKey(id))
	if data == nil {
		return nil, nil
	}
	r := &domain.Reminder{}
	if err := decodeBinary(data, r); err != nil {
		return nil, fmt.Errorf("decode reminder %d: %w", id, err)
	}
	return r, nil
}

func deleteReminder(tx *bbolt.Tx, id int64) error {
	if err := unindex(tx, id); err != nil {
		return err
	}
	return tx.Bucket(remindersBucket).Delete(idKey(id))
}

// unindex drops the index entry of the currently stored version of id.
func unindex(tx *bbolt.Tx, id int64) error {
	old, err := getReminder(tx, id)
	if err != nil || old == nil {
		return err
	}
	return tx.Bucket(byFireBucket).Delete(fireKey(old.FireEpoch(), id))
}

// === Settings ===

// Settings returns the stored channel settings; zero value if none were saved.
func (s *Store) Settings() (domain.ChannelSettings, error) {
	var settings domain.ChannelSettings
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(settingsBucket).Get([]byte(domain.SettingsKeyTelegram))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &settings)
	})
	return settings, err
}

func (s *Store) SaveSettings(settings domain.ChannelSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(domain.SettingsKeyTelegram), data)
	})
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func fireKey(epoch, id int64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k, uint64(epoch))
	binary.BigEndian.PutUint64(k[8:], uint64(id))
	return k
}

func encodeToBinary(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(data)
	return buf.Bytes(), err
}

func decodeBinary(data []byte, target interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(target)
}
