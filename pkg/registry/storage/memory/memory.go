package memory

import (
	"sort"
	"sync"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/registry/storage"
	"github.com/ethereum/go-ethereum/common"
)

type snapshot struct {
	version   uint64
	operators map[common.Address]*federation.Operator
	services  map[string]*federation.Service
	bids      map[string][]*federation.Bid
}

func (s *snapshot) Version() uint64 {
	return s.version
}

func (s *snapshot) GetOperator(address common.Address) (*federation.Operator, error) {
	op, ok := s.operators[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	opCopy := *op
	return &opCopy, nil
}

func (s *snapshot) GetService(serviceId string) (*federation.Service, error) {
	svc, ok := s.services[serviceId]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return svc.Clone(), nil
}

func (s *snapshot) GetBid(serviceId string, index uint64) (*federation.Bid, error) {
	bids := s.bids[serviceId]
	if index >= uint64(len(bids)) {
		return nil, storage.ErrNotFound
	}
	bidCopy := *bids[index]
	return &bidCopy, nil
}

func (s *snapshot) BidCount(serviceId string) (uint64, error) {
	return uint64(len(s.bids[serviceId])), nil
}

func (s *snapshot) ListServices() ([]*federation.Service, error) {
	out := make([]*federation.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AnnouncedAtBlock != out[j].AnnouncedAtBlock {
			return out[i].AnnouncedAtBlock < out[j].AnnouncedAtBlock
		}
		return out[i].ServiceId < out[j].ServiceId
	})
	return out, nil
}

// staged is a copy-on-write view over a snapshot used for the duration of one Update.
type staged struct {
	*snapshot
	copiedOperators bool
	copiedServices  bool
	copiedBids      map[string]bool
}

func (w *staged) PutOperator(operator *federation.Operator) error {
	w.ensureOperators()
	opCopy := *operator
	w.operators[operator.Address] = &opCopy
	return nil
}

func (w *staged) DeleteOperator(address common.Address) error {
	w.ensureOperators()
	if _, ok := w.operators[address]; !ok {
		return storage.ErrNotFound
	}
	delete(w.operators, address)
	return nil
}

func (w *staged) PutService(service *federation.Service) error {
	w.ensureServices()
	w.services[service.ServiceId] = service.Clone()
	return nil
}

func (w *staged) AppendBid(bid *federation.Bid) (uint64, error) {
	if !w.copiedBids[bid.ServiceId] {
		if w.copiedBids == nil {
			w.copiedBids = make(map[string]bool)
			bids := make(map[string][]*federation.Bid, len(w.bids))
			for k, v := range w.bids {
				bids[k] = v
			}
			w.bids = bids
		}
		existing := w.bids[bid.ServiceId]
		w.bids[bid.ServiceId] = append(make([]*federation.Bid, 0, len(existing)+1), existing...)
		w.copiedBids[bid.ServiceId] = true
	}
	bidCopy := *bid
	bidCopy.Index = uint64(len(w.bids[bid.ServiceId]))
	w.bids[bid.ServiceId] = append(w.bids[bid.ServiceId], &bidCopy)
	return bidCopy.Index, nil
}

func (w *staged) ensureOperators() {
	if w.copiedOperators {
		return
	}
	ops := make(map[common.Address]*federation.Operator, len(w.operators))
	for k, v := range w.operators {
		ops[k] = v
	}
	w.operators = ops
	w.copiedOperators = true
}

func (w *staged) ensureServices() {
	if w.copiedServices {
		return
	}
	svcs := make(map[string]*federation.Service, len(w.services))
	for k, v := range w.services {
		svcs[k] = v
	}
	w.services = svcs
	w.copiedServices = true
}

// InMemoryRegistryStore keeps registry state in memory. Updates are serialized and commit by swapping
// in the staged snapshot.
type InMemoryRegistryStore struct {
	mu      sync.RWMutex
	closed  bool
	current *snapshot
}

func NewInMemoryRegistryStore() *InMemoryRegistryStore {
	return &InMemoryRegistryStore{
		current: &snapshot{
			operators: make(map[common.Address]*federation.Operator),
			services:  make(map[string]*federation.Service),
			bids:      make(map[string][]*federation.Bid),
		},
	}
}

func (s *InMemoryRegistryStore) View(fn func(r storage.Reader) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return storage.ErrStoreClosed
	}
	snap := s.current
	s.mu.RUnlock()

	// snapshots are never mutated after commit, so fn can run without holding the lock
	return fn(snap)
}

func (s *InMemoryRegistryStore) Update(fn func(w storage.Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	base := *s.current
	w := &staged{snapshot: &base}
	if err := fn(w); err != nil {
		return err
	}
	w.snapshot.version = s.current.version + 1
	s.current = w.snapshot
	return nil
}

func (s *InMemoryRegistryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	s.closed = true
	return nil
}
