package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSuite defines a test suite that all storage implementations must pass
type TestSuite struct {
	NewStore func() (AgentStore, error)
}

// Run executes all storage interface compliance tests
func (s *TestSuite) Run(t *testing.T) {
	t.Run("Lifecycles", s.testLifecycles)
	t.Run("ProcessedAnnouncements", s.testProcessedAnnouncements)
	t.Run("BlockCursor", s.testBlockCursor)
	t.Run("Closed", s.testClosed)
	t.Run("ConcurrentAccess", s.testConcurrentAccess)
}

func (s *TestSuite) testLifecycles(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	_, err = store.GetLifecycle(ctx, "svc-1")
	assert.ErrorIs(t, err, ErrNotFound)

	record := &LifecycleRecord{
		ServiceId:     "svc-1",
		Role:          Role_Consumer,
		State:         LifecycleState_Announced,
		Requirements:  "service=nginx;replicas=1",
		LocalEndpoint: "ip_address=10.0.0.1;vxlan_id=200;vxlan_port=4789;federation_net=10.0.0.0/16",
		VxlanId:       200,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.SaveLifecycle(ctx, record))

	// mutating the caller's copy does not leak into the store
	record.State = LifecycleState_Failed
	retrieved, err := store.GetLifecycle(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, LifecycleState_Announced, retrieved.State)
	assert.Equal(t, uint32(200), retrieved.VxlanId)

	idx := uint64(1)
	retrieved.State = LifecycleState_Selected
	retrieved.BidIndex = &idx
	retrieved.Counterpart = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	require.NoError(t, store.SaveLifecycle(ctx, retrieved))

	require.NoError(t, store.SaveLifecycle(ctx, &LifecycleRecord{
		ServiceId: "svc-2",
		Role:      Role_Provider,
		State:     LifecycleState_BidPlaced,
		CreatedAt: now.Add(time.Second),
		UpdatedAt: now.Add(time.Second),
	}))

	records, err := store.ListLifecycles(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "svc-1", records[0].ServiceId)
	assert.Equal(t, LifecycleState_Selected, records[0].State)
	require.NotNil(t, records[0].BidIndex)
	assert.Equal(t, uint64(1), *records[0].BidIndex)
	assert.Equal(t, "svc-2", records[1].ServiceId)

	require.NoError(t, store.DeleteLifecycle(ctx, "svc-1"))
	_, err = store.GetLifecycle(ctx, "svc-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteLifecycle(ctx, "svc-1"), ErrNotFound)

	assert.Error(t, store.SaveLifecycle(ctx, nil))
	assert.Error(t, store.SaveLifecycle(ctx, &LifecycleRecord{}))
}

func (s *TestSuite) testProcessedAnnouncements(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	processed, err := store.IsAnnouncementProcessed(ctx, "svc-1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.MarkAnnouncementProcessed(ctx, "svc-1"))
	require.NoError(t, store.MarkAnnouncementProcessed(ctx, "svc-1"))

	processed, err = store.IsAnnouncementProcessed(ctx, "svc-1")
	require.NoError(t, err)
	assert.True(t, processed)

	assert.Error(t, store.MarkAnnouncementProcessed(ctx, ""))

	require.NoError(t, store.ClearAnnouncementProcessed(ctx, "svc-1"))
	processed, err = store.IsAnnouncementProcessed(ctx, "svc-1")
	require.NoError(t, err)
	assert.False(t, processed)
	require.NoError(t, store.ClearAnnouncementProcessed(ctx, "svc-unknown"))
}

func (s *TestSuite) testBlockCursor(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	_, err = store.GetLastProcessedBlock(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetLastProcessedBlock(ctx, 0))
	block, err := store.GetLastProcessedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), block)

	require.NoError(t, store.SetLastProcessedBlock(ctx, 1234))
	block, err = store.GetLastProcessedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), block)
}

func (s *TestSuite) testClosed(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	ctx := context.Background()
	assert.ErrorIs(t, store.SaveLifecycle(ctx, &LifecycleRecord{ServiceId: "svc-1"}), ErrStoreClosed)
	_, err = store.GetLifecycle(ctx, "svc-1")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.ListLifecycles(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.MarkAnnouncementProcessed(ctx, "svc-1"), ErrStoreClosed)
	assert.ErrorIs(t, store.SetLastProcessedBlock(ctx, 1), ErrStoreClosed)
}

func (s *TestSuite) testConcurrentAccess(t *testing.T) {
	store, err := s.NewStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			serviceId := fmt.Sprintf("svc-%d", i)
			assert.NoError(t, store.SaveLifecycle(ctx, &LifecycleRecord{
				ServiceId: serviceId,
				Role:      Role_Provider,
				State:     LifecycleState_BidPlaced,
				CreatedAt: time.Now(),
			}))
			assert.NoError(t, store.MarkAnnouncementProcessed(ctx, serviceId))
		}(i)
	}
	wg.Wait()

	records, err := store.ListLifecycles(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 20)
}
