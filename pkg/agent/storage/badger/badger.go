package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/config"
	badgerv3 "github.com/dgraph-io/badger/v3"
)

// Key prefixes for different data types
const (
	prefixLifecycle = "lifecycle:%s"
	prefixProcessed = "processed:%s" // processed announcements
	keyLastBlock    = "cursor:lastBlock"
)

// BadgerAgentStore implements the AgentStore interface using BadgerDB
type BadgerAgentStore struct {
	db       *badgerv3.DB
	mu       sync.RWMutex
	closed   bool
	closeCh  chan struct{}
	gcTicker *time.Ticker
}

// NewBadgerAgentStore creates a new BadgerDB-backed agent store
func NewBadgerAgentStore(cfg *config.BadgerConfig) (*BadgerAgentStore, error) {
	if cfg == nil {
		return nil, errors.New("badger config is nil")
	}

	opts := badgerv3.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's default logging

	if cfg.InMemory {
		opts.InMemory = true
		opts.Dir = ""
		opts.ValueDir = ""
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = cfg.NumVersionsToKeep
	}
	if cfg.NumLevelZeroTables > 0 {
		opts.NumLevelZeroTables = cfg.NumLevelZeroTables
	}

	db, err := badgerv3.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerAgentStore{
		db:      db,
		closeCh: make(chan struct{}),
	}

	s.gcTicker = time.NewTicker(5 * time.Minute)
	go s.runGC()

	return s, nil
}

// runGC runs periodic garbage collection
func (s *BadgerAgentStore) runGC() {
	for {
		select {
		case <-s.gcTicker.C:
			s.mu.RLock()
			if s.closed {
				s.mu.RUnlock()
				return
			}
			s.mu.RUnlock()

			_ = s.db.RunValueLogGC(0.5)
		case <-s.closeCh:
			return
		}
	}
}

func (s *BadgerAgentStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	return nil
}

func (s *BadgerAgentStore) SaveLifecycle(ctx context.Context, record *storage.LifecycleRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if record == nil {
		return errors.New("record is nil")
	}
	if record.ServiceId == "" {
		return errors.New("service id cannot be empty")
	}

	key := fmt.Sprintf(prefixLifecycle, record.ServiceId)
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle: %w", err)
	}

	err = s.db.Update(func(txn *badgerv3.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to save lifecycle: %w", err)
	}
	return nil
}

func (s *BadgerAgentStore) GetLifecycle(ctx context.Context, serviceId string) (*storage.LifecycleRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var record storage.LifecycleRecord
	key := fmt.Sprintf(prefixLifecycle, serviceId)

	err := s.db.View(func(txn *badgerv3.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badgerv3.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get lifecycle: %w", err)
	}
	return &record, nil
}

// ListLifecycles returns every record ordered by creation time
func (s *BadgerAgentStore) ListLifecycles(ctx context.Context) ([]*storage.LifecycleRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	records := make([]*storage.LifecycleRecord, 0)
	err := s.db.View(func(txn *badgerv3.Txn) error {
		opts := badgerv3.DefaultIteratorOptions
		opts.Prefix = []byte("lifecycle:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record storage.LifecycleRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				continue // Skip on unmarshal error
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list lifecycles: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ServiceId < records[j].ServiceId
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *BadgerAgentStore) DeleteLifecycle(ctx context.Context, serviceId string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	key := fmt.Sprintf(prefixLifecycle, serviceId)
	err := s.db.Update(func(txn *badgerv3.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badgerv3.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return txn.Delete([]byte(key))
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete lifecycle: %w", err)
	}
	return nil
}

func (s *BadgerAgentStore) MarkAnnouncementProcessed(ctx context.Context, serviceId string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if serviceId == "" {
		return errors.New("service id cannot be empty")
	}

	key := fmt.Sprintf(prefixProcessed, serviceId)
	value, err := time.Now().MarshalBinary()
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badgerv3.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to mark announcement as processed: %w", err)
	}
	return nil
}

func (s *BadgerAgentStore) ClearAnnouncementProcessed(ctx context.Context, serviceId string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	key := fmt.Sprintf(prefixProcessed, serviceId)
	err := s.db.Update(func(txn *badgerv3.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to clear processed announcement: %w", err)
	}
	return nil
}

func (s *BadgerAgentStore) IsAnnouncementProcessed(ctx context.Context, serviceId string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	key := fmt.Sprintf(prefixProcessed, serviceId)
	err := s.db.View(func(txn *badgerv3.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if err != nil {
		if errors.Is(err, badgerv3.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check announcement: %w", err)
	}
	return true, nil
}

func (s *BadgerAgentStore) GetLastProcessedBlock(ctx context.Context) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var blockNumber uint64
	err := s.db.View(func(txn *badgerv3.Txn) error {
		item, err := txn.Get([]byte(keyLastBlock))
		if err != nil {
			if errors.Is(err, badgerv3.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt block cursor of length %d", len(val))
			}
			blockNumber = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to get last processed block: %w", err)
	}
	return blockNumber, nil
}

func (s *BadgerAgentStore) SetLastProcessedBlock(ctx context.Context, blockNumber uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, blockNumber)
	err := s.db.Update(func(txn *badgerv3.Txn) error {
		return txn.Set([]byte(keyLastBlock), value)
	})
	if err != nil {
		return fmt.Errorf("failed to set last processed block: %w", err)
	}
	return nil
}

// Close shuts down the store
func (s *BadgerAgentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.closeCh)
	s.gcTicker.Stop()

	return s.db.Close()
}
