package overlay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeLinks struct {
	mu       sync.Mutex
	links    map[string]*VxlanLink
	masters  map[string]string
	failAdd  error
	failUp   error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{links: map[string]*VxlanLink{}, masters: map[string]string{}}
}

func (f *fakeLinks) LinkExists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.links[name]
	return ok, nil
}

func (f *fakeLinks) AddVxlan(link *VxlanLink) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	if n > f.maxSeen.Load() {
		f.maxSeen.Store(n)
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd != nil {
		return f.failAdd
	}
	if _, ok := f.links[link.Name]; ok {
		return errors.New("file exists")
	}
	f.links[link.Name] = link
	return nil
}

func (f *fakeLinks) SetMasterAndUp(name, bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUp != nil {
		return f.failUp
	}
	f.masters[name] = bridge
	return nil
}

func (f *fakeLinks) DeleteLink(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, name)
	delete(f.masters, name)
	return nil
}

func (f *fakeLinks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

type fakeNetworks struct {
	mu       sync.Mutex
	networks map[string]*workloadOrchestrator.NetworkSpec
	removed  int
}

func newFakeNetworks() *fakeNetworks {
	return &fakeNetworks{networks: map[string]*workloadOrchestrator.NetworkSpec{}}
}

func (f *fakeNetworks) EnsureNetwork(ctx context.Context, spec *workloadOrchestrator.NetworkSpec) (*workloadOrchestrator.NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[spec.Name] = spec
	return &workloadOrchestrator.NetworkInfo{
		Id:         "abcdef0123456789" + spec.Name,
		Name:       spec.Name,
		BridgeName: "br-abcdef012345",
		Subnet:     spec.Subnet,
	}, nil
}

func (f *fakeNetworks) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[name]; ok {
		f.removed++
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeNetworks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.networks)
}

func testSpec(vxlanId uint32, networkName string) *TunnelSpec {
	return &TunnelSpec{
		LocalIp:        "10.5.99.1",
		RemoteIp:       "10.5.99.2",
		LocalInterface: "eth0",
		VxlanId:        vxlanId,
		DstPort:        4789,
		Subnet:         "10.0.0.0/16",
		IpRange:        "10.0.1.0/24",
		NetworkName:    networkName,
	}
}

func Test_ConfigureTunnel(t *testing.T) {
	ctx := context.Background()

	t.Run("creates network and enslaved link", func(t *testing.T) {
		links, networks := newFakeLinks(), newFakeNetworks()
		om := NewOverlayManager(links, networks, zaptest.NewLogger(t))

		tunnel, err := om.ConfigureTunnel(ctx, testSpec(200, "federation-net"))
		require.NoError(t, err)
		assert.Equal(t, "vxlan200", tunnel.LinkName)
		assert.Equal(t, "br-abcdef012345", tunnel.BridgeName)
		assert.Equal(t, "br-abcdef012345", links.masters["vxlan200"])
		assert.Equal(t, "10.0.1.0/24", networks.networks["federation-net"].IpRange)
		assert.Equal(t, "10.5.99.2", links.links["vxlan200"].RemoteIp.String())
		assert.Equal(t, "eth0", links.links["vxlan200"].UnderlayDevice)

		assert.True(t, om.IsNetworkReady("federation-net"))
		assert.False(t, om.IsNetworkReady("other-net"))
		assert.Len(t, om.ListTunnels(), 1)
	})

	t.Run("vxlan id already in use", func(t *testing.T) {
		om := NewOverlayManager(newFakeLinks(), newFakeNetworks(), zaptest.NewLogger(t))
		_, err := om.ConfigureTunnel(ctx, testSpec(200, "federation-net"))
		require.NoError(t, err)

		_, err = om.ConfigureTunnel(ctx, testSpec(200, "another-net"))
		assert.ErrorIs(t, err, federation.ErrTunnelAlreadyExists)
	})

	t.Run("network already bound", func(t *testing.T) {
		om := NewOverlayManager(newFakeLinks(), newFakeNetworks(), zaptest.NewLogger(t))
		_, err := om.ConfigureTunnel(ctx, testSpec(200, "federation-net"))
		require.NoError(t, err)

		_, err = om.ConfigureTunnel(ctx, testSpec(201, "federation-net"))
		assert.ErrorIs(t, err, federation.ErrTunnelAlreadyExists)
		assert.Len(t, om.ListTunnels(), 1)
	})

	t.Run("link left on the host from another process", func(t *testing.T) {
		links := newFakeLinks()
		links.links["vxlan300"] = &VxlanLink{Name: "vxlan300"}
		networks := newFakeNetworks()
		om := NewOverlayManager(links, networks, zaptest.NewLogger(t))

		_, err := om.ConfigureTunnel(ctx, testSpec(300, "federation-net"))
		assert.ErrorIs(t, err, federation.ErrTunnelAlreadyExists)
		assert.Zero(t, networks.count())
		assert.False(t, om.IsNetworkReady("federation-net"))
	})

	t.Run("link failure rolls back the network", func(t *testing.T) {
		links, networks := newFakeLinks(), newFakeNetworks()
		links.failAdd = errors.New("operation not permitted")
		om := NewOverlayManager(links, networks, zaptest.NewLogger(t))

		_, err := om.ConfigureTunnel(ctx, testSpec(200, "federation-net"))
		assert.ErrorContains(t, err, "operation not permitted")
		assert.Zero(t, networks.count())
		assert.Zero(t, links.count())
		assert.False(t, om.IsNetworkReady("federation-net"))

		// the names are free again after a rollback
		links.failAdd = nil
		_, err = om.ConfigureTunnel(ctx, testSpec(200, "federation-net"))
		require.NoError(t, err)
	})

	t.Run("bridge failure removes link and network", func(t *testing.T) {
		links, networks := newFakeLinks(), newFakeNetworks()
		links.failUp = errors.New("no such device")
		om := NewOverlayManager(links, networks, zaptest.NewLogger(t))

		_, err := om.ConfigureTunnel(ctx, testSpec(200, "federation-net"))
		assert.Error(t, err)
		assert.Zero(t, networks.count())
		assert.Zero(t, links.count())
	})

	t.Run("invalid spec", func(t *testing.T) {
		om := NewOverlayManager(newFakeLinks(), newFakeNetworks(), zaptest.NewLogger(t))
		spec := testSpec(0, "federation-net")
		spec.IpRange = "192.168.0.0/24"
		_, err := om.ConfigureTunnel(ctx, spec)
		assert.ErrorContains(t, err, "vxlanId")
		assert.ErrorContains(t, err, "ipRange")
	})
}

func Test_ConfigureTunnelLeavesSpecUntouched(t *testing.T) {
	om := NewOverlayManager(newFakeLinks(), newFakeNetworks(), zaptest.NewLogger(t))
	spec := testSpec(200, "federation-net")
	spec.DstPort = 0

	tunnel, err := om.ConfigureTunnel(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, DefaultVxlanPort, tunnel.DstPort)
	assert.Zero(t, spec.DstPort)
}

func Test_TeardownTunnel(t *testing.T) {
	ctx := context.Background()

	t.Run("removes link and network", func(t *testing.T) {
		links, networks := newFakeLinks(), newFakeNetworks()
		om := NewOverlayManager(links, networks, zaptest.NewLogger(t))
		_, err := om.ConfigureTunnel(ctx, testSpec(200, "federation-net"))
		require.NoError(t, err)

		require.NoError(t, om.TeardownTunnel(ctx, 200, "federation-net"))
		assert.Zero(t, links.count())
		assert.Zero(t, networks.count())
		assert.False(t, om.IsNetworkReady("federation-net"))
		assert.Empty(t, om.ListTunnels())

		_, err = om.GetTunnel(200)
		assert.ErrorIs(t, err, federation.ErrTunnelNotFound)
	})

	t.Run("twice is safe", func(t *testing.T) {
		om := NewOverlayManager(newFakeLinks(), newFakeNetworks(), zaptest.NewLogger(t))
		_, err := om.ConfigureTunnel(ctx, testSpec(200, "federation-net"))
		require.NoError(t, err)

		require.NoError(t, om.TeardownTunnel(ctx, 200, "federation-net"))
		require.NoError(t, om.TeardownTunnel(ctx, 200, "federation-net"))
	})

	t.Run("nothing to tear down", func(t *testing.T) {
		om := NewOverlayManager(newFakeLinks(), newFakeNetworks(), zaptest.NewLogger(t))
		assert.NoError(t, om.TeardownTunnel(ctx, 999, "never-created"))
	})

	t.Run("network name taken from the tunnel", func(t *testing.T) {
		networks := newFakeNetworks()
		om := NewOverlayManager(newFakeLinks(), networks, zaptest.NewLogger(t))
		_, err := om.ConfigureTunnel(ctx, testSpec(200, "federation-net"))
		require.NoError(t, err)

		require.NoError(t, om.TeardownTunnel(ctx, 200, ""))
		assert.Zero(t, networks.count())
	})

	t.Run("keeps a network bound to another vxlan id", func(t *testing.T) {
		links, networks := newFakeLinks(), newFakeNetworks()
		om := NewOverlayManager(links, networks, zaptest.NewLogger(t))
		_, err := om.ConfigureTunnel(ctx, testSpec(200, "federation-net-200"))
		require.NoError(t, err)

		require.NoError(t, om.TeardownTunnel(ctx, 201, "federation-net-200"))
		assert.Equal(t, 1, networks.count())
		assert.Equal(t, 1, links.count())
		assert.True(t, om.IsNetworkReady("federation-net-200"))

		_, err = om.GetTunnel(200)
		assert.NoError(t, err)
	})
}

func Test_ConcurrentCallsForSameVxlanAreSerialized(t *testing.T) {
	links := newFakeLinks()
	links.delay = 20 * time.Millisecond
	om := NewOverlayManager(links, newFakeNetworks(), zaptest.NewLogger(t))

	var wg sync.WaitGroup
	var succeeded, rejected atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := om.ConfigureTunnel(context.Background(), testSpec(200, "net-"+string(rune('a'+i))))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, federation.ErrTunnelAlreadyExists):
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(4), rejected.Load())
	assert.Equal(t, int32(1), links.maxSeen.Load())
}

func Test_KeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock(1)
	// a different key does not block
	unlockB := k.Lock(2)
	unlockB()

	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		unlock := k.Lock(1)
		close(acquired)
		unlock()
		close(released)
	}()

	select {
	case <-acquired:
		t.Fatal("lock for the same key was acquired twice")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	<-released

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
