// Package vxlanPool hands out vxlan ids from a configured range so concurrent lifecycles never share one.
package vxlanPool

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPoolExhausted = errors.New("vxlan id pool exhausted")
	ErrOutOfRange    = errors.New("vxlan id outside pool range")
	ErrInUse         = errors.New("vxlan id already allocated")
)

type VxlanPool struct {
	start uint32
	end   uint32

	mu    sync.Mutex
	inUse map[uint32]struct{}
	// next is where the search for a free id starts, so ids are not reused immediately
	next uint32
}

func NewVxlanPool(start, end uint32) (*VxlanPool, error) {
	if start == 0 || end < start {
		return nil, fmt.Errorf("invalid vxlan id range %d-%d", start, end)
	}
	return &VxlanPool{
		start: start,
		end:   end,
		inUse: make(map[uint32]struct{}),
		next:  start,
	}, nil
}

// Allocate returns a free id
func (p *VxlanPool) Allocate() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.end - p.start + 1
	id := p.next
	for i := uint32(0); i < size; i++ {
		if _, taken := p.inUse[id]; !taken {
			p.inUse[id] = struct{}{}
			p.next = p.advance(id)
			return id, nil
		}
		id = p.advance(id)
	}
	return 0, ErrPoolExhausted
}

// Reserve marks a specific id as allocated, used when resuming persisted lifecycles
func (p *VxlanPool) Reserve(id uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < p.start || id > p.end {
		return fmt.Errorf("%w: %d", ErrOutOfRange, id)
	}
	if _, taken := p.inUse[id]; taken {
		return fmt.Errorf("%w: %d", ErrInUse, id)
	}
	p.inUse[id] = struct{}{}
	return nil
}

// Release returns id to the pool. Releasing a free or foreign id does nothing.
func (p *VxlanPool) Release(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, id)
}

func (p *VxlanPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func (p *VxlanPool) advance(id uint32) uint32 {
	if id >= p.end {
		return p.start
	}
	return id + 1
}
