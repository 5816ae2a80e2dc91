package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSuite defines the behaviour every RegistryStore implementation must have
type TestSuite struct {
	NewStore func() (RegistryStore, error)
}

func (s *TestSuite) Run(t *testing.T) {
	t.Run("Operators", s.testOperators)
	t.Run("ServicesAndBids", s.testServicesAndBids)
	t.Run("AbortedUpdate", s.testAbortedUpdate)
	t.Run("SnapshotIsolation", s.testSnapshotIsolation)
	t.Run("ConcurrentAppends", s.testConcurrentAppends)
	t.Run("Lifecycle", s.testLifecycle)
}

var (
	suiteAddressA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	suiteAddressB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func (s *TestSuite) testOperators(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Update(func(w Writer) error {
		return w.PutOperator(&federation.Operator{Address: suiteAddressA, Name: "domain-a"})
	}))

	require.NoError(t, store.View(func(r Reader) error {
		op, err := r.GetOperator(suiteAddressA)
		require.NoError(t, err)
		assert.Equal(t, "domain-a", op.Name)
		_, err = r.GetOperator(suiteAddressB)
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))

	require.NoError(t, store.Update(func(w Writer) error {
		return w.DeleteOperator(suiteAddressA)
	}))
	err = store.Update(func(w Writer) error {
		return w.DeleteOperator(suiteAddressA)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func (s *TestSuite) testServicesAndBids(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Update(func(w Writer) error {
		if err := w.PutService(&federation.Service{ServiceId: "svc-1", Creator: suiteAddressA, AnnouncedAtBlock: 2}); err != nil {
			return err
		}
		return w.PutService(&federation.Service{ServiceId: "svc-0", Creator: suiteAddressA, AnnouncedAtBlock: 1})
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Update(func(w Writer) error {
			idx, err := w.AppendBid(&federation.Bid{ServiceId: "svc-1", Bidder: suiteAddressB, Price: uint64(10 + i)})
			require.NoError(t, err)
			assert.Equal(t, uint64(i), idx)
			return nil
		}))
	}

	require.NoError(t, store.View(func(r Reader) error {
		count, err := r.BidCount("svc-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), count)

		bid, err := r.GetBid("svc-1", 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(12), bid.Price)
		assert.Equal(t, uint64(2), bid.Index)

		_, err = r.GetBid("svc-1", 3)
		assert.ErrorIs(t, err, ErrNotFound)

		count, err = r.BidCount("svc-0")
		require.NoError(t, err)
		assert.Zero(t, count)

		services, err := r.ListServices()
		require.NoError(t, err)
		require.Len(t, services, 2)
		assert.Equal(t, "svc-0", services[0].ServiceId)

		_, err = r.GetService("missing")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func (s *TestSuite) testAbortedUpdate(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	var before uint64
	require.NoError(t, store.View(func(r Reader) error {
		before = r.Version()
		return nil
	}))

	boom := errors.New("boom")
	err = store.Update(func(w Writer) error {
		require.NoError(t, w.PutService(&federation.Service{ServiceId: "svc-x", Creator: suiteAddressA}))
		_, err := w.AppendBid(&federation.Bid{ServiceId: "svc-x", Price: 1})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, store.View(func(r Reader) error {
		assert.Equal(t, before, r.Version())
		_, err := r.GetService("svc-x")
		assert.ErrorIs(t, err, ErrNotFound)
		count, _ := r.BidCount("svc-x")
		assert.Zero(t, count)
		return nil
	}))
}

func (s *TestSuite) testSnapshotIsolation(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Update(func(w Writer) error {
		return w.PutService(&federation.Service{ServiceId: "svc-1", Creator: suiteAddressA})
	}))

	require.NoError(t, store.View(func(r Reader) error {
		svc, err := r.GetService("svc-1")
		require.NoError(t, err)
		// mutating a returned record must not leak into the store
		svc.State = federation.ServiceState_Deployed
		return nil
	}))

	require.NoError(t, store.View(func(r Reader) error {
		svc, err := r.GetService("svc-1")
		require.NoError(t, err)
		assert.Equal(t, federation.ServiceState_Open, svc.State)
		assert.Equal(t, uint64(1), r.Version())
		return nil
	}))
}

func (s *TestSuite) testConcurrentAppends(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	const n = 50
	var wg sync.WaitGroup
	indices := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Update(func(w Writer) error {
				idx, err := w.AppendBid(&federation.Bid{ServiceId: "svc-c", Price: uint64(i + 1), ProviderEndpoint: fmt.Sprintf("p-%d", i)})
				if err != nil {
					return err
				}
				indices <- idx
				return nil
			})
		}(i)
	}
	wg.Wait()
	close(indices)

	seen := make(map[uint64]bool)
	for idx := range indices {
		assert.False(t, seen[idx], "index %d assigned twice", idx)
		seen[idx] = true
	}
	for i := uint64(0); i < n; i++ {
		assert.True(t, seen[i], "index %d missing", i)
	}
}

func (s *TestSuite) testLifecycle(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)

	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Close(), ErrStoreClosed)
	assert.ErrorIs(t, store.View(func(r Reader) error { return nil }), ErrStoreClosed)
	assert.ErrorIs(t, store.Update(func(w Writer) error { return nil }), ErrStoreClosed)
}
