package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotFound is returned when a requested item is not found in storage
	ErrNotFound = errors.New("item not found")

	// ErrStoreClosed is returned when attempting to use a closed storage instance
	ErrStoreClosed = errors.New("storage is closed")
)

// AgentStore persists the domain agent's progress so a restarted agent can resume its lifecycles
type AgentStore interface {
	// Lifecycle tracking, keyed by service id
	SaveLifecycle(ctx context.Context, record *LifecycleRecord) error
	GetLifecycle(ctx context.Context, serviceId string) (*LifecycleRecord, error)
	ListLifecycles(ctx context.Context) ([]*LifecycleRecord, error)
	DeleteLifecycle(ctx context.Context, serviceId string) error

	// Processed announcements - prevents bidding twice on the same service
	MarkAnnouncementProcessed(ctx context.Context, serviceId string) error
	IsAnnouncementProcessed(ctx context.Context, serviceId string) (bool, error)
	// ClearAnnouncementProcessed lets the announcement be picked up again; clearing an unmarked one succeeds
	ClearAnnouncementProcessed(ctx context.Context, serviceId string) error

	// Event cursor; GetLastProcessedBlock returns ErrNotFound before the first save
	GetLastProcessedBlock(ctx context.Context) (uint64, error)
	SetLastProcessedBlock(ctx context.Context, blockNumber uint64) error

	Close() error
}

type Role string

const (
	Role_Consumer Role = "consumer"
	Role_Provider Role = "provider"
)

type LifecycleState string

const (
	// consumer
	LifecycleState_Idle      LifecycleState = "Idle"
	LifecycleState_Announced LifecycleState = "Announced"
	LifecycleState_Bidding   LifecycleState = "Bidding"
	LifecycleState_Selected  LifecycleState = "Selected"
	LifecycleState_TunnelUp  LifecycleState = "TunnelUp"
	LifecycleState_Done      LifecycleState = "Done"
	// Abandoned means bidding closed without any offer
	LifecycleState_Abandoned LifecycleState = "Abandoned"

	// provider
	LifecycleState_Watching       LifecycleState = "Watching"
	LifecycleState_BidPlaced      LifecycleState = "BidPlaced"
	LifecycleState_WaitingOutcome LifecycleState = "WaitingOutcome"
	LifecycleState_Lost           LifecycleState = "Lost"
	LifecycleState_Won            LifecycleState = "Won"
	LifecycleState_Deploying      LifecycleState = "Deploying"
	LifecycleState_Reported       LifecycleState = "Reported"

	LifecycleState_Failed LifecycleState = "Failed"
)

// IsTerminal reports whether no further transitions follow s
func (s LifecycleState) IsTerminal() bool {
	switch s {
	case LifecycleState_Done, LifecycleState_Abandoned, LifecycleState_Lost, LifecycleState_Reported, LifecycleState_Failed:
		return true
	}
	return false
}

// LifecycleRecord is the persisted view of one service lifecycle on this domain
type LifecycleRecord struct {
	ServiceId    string         `json:"serviceId"`
	Role         Role           `json:"role"`
	State        LifecycleState `json:"state"`
	Requirements string         `json:"requirements"`

	// LocalEndpoint is the endpoint this domain published; CounterpartEndpoint is the peer's
	LocalEndpoint       string         `json:"localEndpoint"`
	CounterpartEndpoint string         `json:"counterpartEndpoint,omitempty"`
	Counterpart         common.Address `json:"counterpart,omitempty"`
	VxlanId             uint32         `json:"vxlanId"`
	// NetworkName is set once this lifecycle owns a configured tunnel
	NetworkName string `json:"networkName,omitempty"`

	Price        uint64  `json:"price,omitempty"`
	BidIndex     *uint64 `json:"bidIndex,omitempty"`
	WorkloadName string  `json:"workloadName,omitempty"`
	Info         string  `json:"info,omitempty"`
	Error        string  `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (r *LifecycleRecord) Clone() *LifecycleRecord {
	c := *r
	if r.BidIndex != nil {
		idx := *r.BidIndex
		c.BidIndex = &idx
	}
	return &c
}
