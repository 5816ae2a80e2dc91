package registry

import (
	"errors"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/registry/storage"
	"github.com/ethereum/go-ethereum/common"
)

// GetBidCount is only answered for the service's creator so competing bids stay private.
func GetBidCount(r storage.Reader, serviceId string, caller common.Address) (uint64, error) {
	svc, err := getService(r, serviceId)
	if err != nil {
		return 0, err
	}
	if svc.Creator != caller {
		return 0, federation.ErrNotCreator
	}
	return r.BidCount(serviceId)
}

func GetBid(r storage.Reader, serviceId string, index uint64, caller common.Address) (*federation.Bid, error) {
	svc, err := getService(r, serviceId)
	if err != nil {
		return nil, err
	}
	if svc.Creator != caller {
		return nil, federation.ErrNotCreator
	}
	bid, err := r.GetBid(serviceId, index)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, federation.ErrBidIndexOutOfRange
	}
	return bid, err
}

func IsWinner(r storage.Reader, serviceId string, address common.Address) (bool, error) {
	svc, err := getService(r, serviceId)
	if err != nil {
		return false, err
	}
	if svc.State == federation.ServiceState_Open {
		return false, federation.ErrServiceNotClosedOrLater
	}
	return svc.Provider == address, nil
}

func GetServiceState(r storage.Reader, serviceId string) (federation.ServiceState, error) {
	svc, err := getService(r, serviceId)
	if err != nil {
		return 0, err
	}
	return svc.State, nil
}

// GetServiceInfo returns the service as seen by one of its participants: the creator learns the
// provider's endpoint and the winning provider learns the consumer's.
func GetServiceInfo(r storage.Reader, serviceId string, caller common.Address) (*federation.ServiceInfo, error) {
	svc, err := getService(r, serviceId)
	if err != nil {
		return nil, err
	}
	info := &federation.ServiceInfo{
		ServiceId: svc.ServiceId,
		State:     svc.State,
		Creator:   svc.Creator,
		Provider:  svc.Provider,
		Info:      svc.Requirements,
	}
	switch {
	case caller == svc.Creator:
		info.CounterpartEndpoint = svc.ProviderEndpoint
	case svc.State != federation.ServiceState_Open && caller == svc.Provider:
		info.CounterpartEndpoint = svc.ConsumerEndpoint
	default:
		return nil, federation.ErrNotParticipant
	}
	return info, nil
}

func IsRegistered(r storage.Reader, address common.Address) (bool, error) {
	return isRegistered(r, address)
}

// ListOpenServices returns the services still accepting bids, oldest first.
func ListOpenServices(r storage.Reader) ([]*federation.Service, error) {
	all, err := r.ListServices()
	if err != nil {
		return nil, err
	}
	open := make([]*federation.Service, 0, len(all))
	for _, svc := range all {
		if svc.State == federation.ServiceState_Open {
			open = append(open, svc)
		}
	}
	return open, nil
}
