// Package inventory remembers every input device a backend has reported.
package inventory

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/neuroplastio/keysync/internal/devices"
	"go.uber.org/zap"
)

const devicePrefix = "devices/"

var ErrDeviceNotFound = errors.New("device not found")

type Device struct {
	Backend     string    `json:"backend"`
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	Keyboard    bool      `json:"keyboard"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

type Service struct {
	log *zap.Logger
	db  *badger.DB
	now func() time.Time
}

func New(db *badger.DB, log *zap.Logger, now func() time.Time) *Service {
	return &Service{
		log: log,
		db:  db,
		now: now,
	}
}

// Open opens the badger database in dir with its logging routed to log.
func Open(dir string, log *zap.Logger) (*badger.DB, error) {
	dbOptions := badger.DefaultOptions(dir)
	dbOptions.Logger = &badgerLogger{l: log}
	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return db, nil
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

func deviceKey(backend, path string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", devicePrefix, backend, path))
}

// Record stores the enumerated devices, keeping the first time each was seen.
func (s *Service) Record(backend string, infos []devices.Info) ([]Device, error) {
	now := s.now()
	recorded := make([]Device, 0, len(infos))
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, info := range infos {
			key := deviceKey(backend, info.Path)
			var dev Device
			item, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				err = item.Value(func(val []byte) error {
					return json.Unmarshal(val, &dev)
				})
				if err != nil {
					return fmt.Errorf("failed to unmarshal device: %w", err)
				}
			}
			dev.Backend = backend
			dev.Path = info.Path
			dev.Name = info.Name
			dev.Keyboard = info.Keyboard
			if dev.FirstSeenAt.IsZero() {
				dev.FirstSeenAt = now
			}
			dev.LastSeenAt = now
			b, err := json.Marshal(dev)
			if err != nil {
				return fmt.Errorf("failed to marshal device: %w", err)
			}
			if err := txn.Set(key, b); err != nil {
				return err
			}
			recorded = append(recorded, dev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record devices: %w", err)
	}
	s.log.Debug("devices recorded", zap.String("backend", backend), zap.Int("count", len(recorded)))
	return recorded, nil
}

// List returns every device ever recorded, ordered by backend and path.
func (s *Service) List() ([]Device, error) {
	var list []Device
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte(devicePrefix)
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			item := iter.Item()
			var dev Device
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return err
			}
			list = append(list, dev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return list, nil
}

func (s *Service) Get(backend, path string) (Device, error) {
	var dev Device
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(deviceKey(backend, path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &dev)
		})
	})
	if err != nil {
		return Device{}, fmt.Errorf("failed to get device: %w", err)
	}
	return dev, nil
}
