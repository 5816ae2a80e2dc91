package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
)

// InMemoryAgentStore implements AgentStore using in-memory maps
type InMemoryAgentStore struct {
	mu         sync.RWMutex
	lifecycles map[string]*storage.LifecycleRecord
	processed  map[string]struct{}
	lastBlock  *uint64
	closed     bool
}

func NewInMemoryAgentStore() *InMemoryAgentStore {
	return &InMemoryAgentStore{
		lifecycles: make(map[string]*storage.LifecycleRecord),
		processed:  make(map[string]struct{}),
	}
}

func (s *InMemoryAgentStore) SaveLifecycle(ctx context.Context, record *storage.LifecycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	if record == nil {
		return errors.New("record is nil")
	}
	if record.ServiceId == "" {
		return errors.New("service id cannot be empty")
	}
	s.lifecycles[record.ServiceId] = record.Clone()
	return nil
}

func (s *InMemoryAgentStore) GetLifecycle(ctx context.Context, serviceId string) (*storage.LifecycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}
	record, ok := s.lifecycles[serviceId]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return record.Clone(), nil
}

// ListLifecycles returns every record ordered by creation time
func (s *InMemoryAgentStore) ListLifecycles(ctx context.Context) ([]*storage.LifecycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}
	records := make([]*storage.LifecycleRecord, 0, len(s.lifecycles))
	for _, r := range s.lifecycles {
		records = append(records, r.Clone())
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ServiceId < records[j].ServiceId
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *InMemoryAgentStore) DeleteLifecycle(ctx context.Context, serviceId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	if _, ok := s.lifecycles[serviceId]; !ok {
		return storage.ErrNotFound
	}
	delete(s.lifecycles, serviceId)
	return nil
}

func (s *InMemoryAgentStore) MarkAnnouncementProcessed(ctx context.Context, serviceId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	if serviceId == "" {
		return errors.New("service id cannot be empty")
	}
	s.processed[serviceId] = struct{}{}
	return nil
}

func (s *InMemoryAgentStore) ClearAnnouncementProcessed(ctx context.Context, serviceId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	delete(s.processed, serviceId)
	return nil
}

func (s *InMemoryAgentStore) IsAnnouncementProcessed(ctx context.Context, serviceId string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, storage.ErrStoreClosed
	}
	_, ok := s.processed[serviceId]
	return ok, nil
}

func (s *InMemoryAgentStore) GetLastProcessedBlock(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, storage.ErrStoreClosed
	}
	if s.lastBlock == nil {
		return 0, storage.ErrNotFound
	}
	return *s.lastBlock, nil
}

func (s *InMemoryAgentStore) SetLastProcessedBlock(ctx context.Context, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	s.lastBlock = &blockNumber
	return nil
}

func (s *InMemoryAgentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
