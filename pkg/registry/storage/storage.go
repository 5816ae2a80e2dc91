package storage

import (
	"errors"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotFound is returned when a requested record is not in the store
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed is returned when attempting to use a closed store
	ErrStoreClosed = errors.New("storage is closed")
)

// Reader is a point-in-time snapshot of registry state.
type Reader interface {
	GetOperator(address common.Address) (*federation.Operator, error)
	GetService(serviceId string) (*federation.Service, error)
	GetBid(serviceId string, index uint64) (*federation.Bid, error)
	BidCount(serviceId string) (uint64, error)
	ListServices() ([]*federation.Service, error)

	// Version is the number of committed updates that produced this snapshot
	Version() uint64
}

// Writer stages changes inside an Update. Nothing is visible to readers until the update commits.
type Writer interface {
	Reader

	PutOperator(operator *federation.Operator) error
	DeleteOperator(address common.Address) error
	PutService(service *federation.Service) error
	// AppendBid stores bid at the end of the service's bid list and returns the index it was given
	AppendBid(bid *federation.Bid) (uint64, error)
}

// RegistryStore holds the versioned registry state. Every mutation goes through Update; if fn returns an
// error none of its writes are kept and the version does not change.
type RegistryStore interface {
	View(fn func(r Reader) error) error
	Update(fn func(w Writer) error) error
	Close() error
}
