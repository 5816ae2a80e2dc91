package registry

import (
	"errors"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/registry/storage"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var errDryRun = errors.New("dry run")

// Registry executes calls against a RegistryStore, one atomic update per call.
type Registry struct {
	store  storage.RegistryStore
	logger *zap.Logger
}

func NewRegistry(store storage.RegistryStore, logger *zap.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

func (r *Registry) Execute(tx *TxContext, call *federation.Call) (*Result, error) {
	var result *Result
	err := r.store.Update(func(w storage.Writer) error {
		var err error
		result, err = Apply(w, tx, call)
		return err
	})
	if err != nil {
		r.logger.Sugar().Debugw("Registry call rejected",
			"call", call.String(),
			"caller", tx.Caller.String(),
			"error", err,
		)
		return nil, err
	}
	return result, nil
}

// DryRun reports whether call would succeed against the current state without committing it.
func (r *Registry) DryRun(tx *TxContext, call *federation.Call) error {
	err := r.store.Update(func(w storage.Writer) error {
		if _, err := Apply(w, tx, call); err != nil {
			return err
		}
		return errDryRun
	})
	if errors.Is(err, errDryRun) {
		return nil
	}
	return err
}

func (r *Registry) Version() (uint64, error) {
	var v uint64
	err := r.store.View(func(rd storage.Reader) error {
		v = rd.Version()
		return nil
	})
	return v, err
}

func (r *Registry) GetBidCount(serviceId string, caller common.Address) (uint64, error) {
	var count uint64
	err := r.store.View(func(rd storage.Reader) error {
		var err error
		count, err = GetBidCount(rd, serviceId, caller)
		return err
	})
	return count, err
}

func (r *Registry) GetBid(serviceId string, index uint64, caller common.Address) (*federation.Bid, error) {
	var bid *federation.Bid
	err := r.store.View(func(rd storage.Reader) error {
		var err error
		bid, err = GetBid(rd, serviceId, index, caller)
		return err
	})
	return bid, err
}

func (r *Registry) IsWinner(serviceId string, address common.Address) (bool, error) {
	var winner bool
	err := r.store.View(func(rd storage.Reader) error {
		var err error
		winner, err = IsWinner(rd, serviceId, address)
		return err
	})
	return winner, err
}

func (r *Registry) GetServiceState(serviceId string) (federation.ServiceState, error) {
	var state federation.ServiceState
	err := r.store.View(func(rd storage.Reader) error {
		var err error
		state, err = GetServiceState(rd, serviceId)
		return err
	})
	return state, err
}

func (r *Registry) GetServiceInfo(serviceId string, caller common.Address) (*federation.ServiceInfo, error) {
	var info *federation.ServiceInfo
	err := r.store.View(func(rd storage.Reader) error {
		var err error
		info, err = GetServiceInfo(rd, serviceId, caller)
		return err
	})
	return info, err
}

func (r *Registry) IsRegistered(address common.Address) (bool, error) {
	var registered bool
	err := r.store.View(func(rd storage.Reader) error {
		var err error
		registered, err = IsRegistered(rd, address)
		return err
	})
	return registered, err
}

func (r *Registry) ListOpenServices() ([]*federation.Service, error) {
	var services []*federation.Service
	err := r.store.View(func(rd storage.Reader) error {
		var err error
		services, err = ListOpenServices(rd)
		return err
	})
	return services, err
}
