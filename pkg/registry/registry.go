// Package registry is the federation auction state machine. Every transaction is a function from
// (state, caller, call) to (new state, events) applied inside a single storage update, so a rejected call
// leaves no trace.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/registry/storage"
	"github.com/ethereum/go-ethereum/common"
)

// TxContext describes the transaction being applied.
type TxContext struct {
	Caller      common.Address
	BlockNumber uint64
	Timestamp   time.Time
}

type Result struct {
	// BidIndex is set for placeBid
	BidIndex uint64
	Events   []*federation.Event
}

// Apply runs call against w. On error the caller must discard w.
func Apply(w storage.Writer, tx *TxContext, call *federation.Call) (*Result, error) {
	if call == nil {
		return nil, fmt.Errorf("call must not be nil")
	}
	switch call.Method {
	case federation.Method_RegisterOperator:
		return registerOperator(w, tx, call.Name)
	case federation.Method_RemoveOperator:
		return removeOperator(w, tx)
	case federation.Method_AnnounceService:
		return announceService(w, tx, call.ServiceId, call.Requirements, call.Endpoint)
	case federation.Method_PlaceBid:
		return placeBid(w, tx, call.ServiceId, call.Price, call.Endpoint)
	case federation.Method_ChooseProvider:
		return chooseProvider(w, tx, call.ServiceId, call.BidIndex)
	case federation.Method_ServiceDeployed:
		return serviceDeployed(w, tx, call.ServiceId, call.Info)
	}
	return nil, fmt.Errorf("unknown registry method %q", call.Method)
}

func registerOperator(w storage.Writer, tx *TxContext, name string) (*Result, error) {
	if name == "" {
		return nil, federation.ErrInvalidName
	}
	registered, err := isRegistered(w, tx.Caller)
	if err != nil {
		return nil, err
	}
	if registered {
		return nil, federation.ErrAlreadyRegistered
	}
	if err := w.PutOperator(&federation.Operator{
		Address:      tx.Caller,
		Name:         name,
		RegisteredAt: tx.Timestamp,
	}); err != nil {
		return nil, err
	}
	return &Result{Events: []*federation.Event{{
		Type:     federation.EventType_OperatorRegistered,
		Operator: tx.Caller,
		Name:     name,
	}}}, nil
}

func removeOperator(w storage.Writer, tx *TxContext) (*Result, error) {
	if err := requireRegistered(w, tx.Caller); err != nil {
		return nil, err
	}
	if err := w.DeleteOperator(tx.Caller); err != nil {
		return nil, err
	}
	return &Result{Events: []*federation.Event{{
		Type:     federation.EventType_OperatorRemoved,
		Operator: tx.Caller,
	}}}, nil
}

func announceService(w storage.Writer, tx *TxContext, serviceId, requirements, consumerEndpoint string) (*Result, error) {
	if err := requireRegistered(w, tx.Caller); err != nil {
		return nil, err
	}
	if serviceId == "" {
		return nil, federation.ErrInvalidServiceId
	}
	// ids are scoped globally, not per creator
	if _, err := w.GetService(serviceId); err == nil {
		return nil, federation.ErrDuplicateServiceId
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if err := w.PutService(&federation.Service{
		ServiceId:        serviceId,
		Creator:          tx.Caller,
		ConsumerEndpoint: consumerEndpoint,
		Provider:         tx.Caller,
		Requirements:     requirements,
		State:            federation.ServiceState_Open,
		AnnouncedAtBlock: tx.BlockNumber,
	}); err != nil {
		return nil, err
	}
	return &Result{Events: []*federation.Event{{
		Type:         federation.EventType_ServiceAnnouncement,
		ServiceId:    serviceId,
		Requirements: requirements,
	}}}, nil
}

func placeBid(w storage.Writer, tx *TxContext, serviceId string, price uint64, providerEndpoint string) (*Result, error) {
	if err := requireRegistered(w, tx.Caller); err != nil {
		return nil, err
	}
	svc, err := getService(w, serviceId)
	if err != nil {
		return nil, err
	}
	if svc.State != federation.ServiceState_Open {
		return nil, federation.ErrServiceNotOpen
	}
	if price == 0 {
		return nil, federation.ErrInvalidPrice
	}

	index, err := w.AppendBid(&federation.Bid{
		ServiceId:        serviceId,
		Bidder:           tx.Caller,
		Price:            price,
		ProviderEndpoint: providerEndpoint,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		BidIndex: index,
		Events: []*federation.Event{{
			Type:      federation.EventType_NewBid,
			ServiceId: serviceId,
			BidCount:  index + 1,
		}},
	}, nil
}

func chooseProvider(w storage.Writer, tx *TxContext, serviceId string, bidIndex uint64) (*Result, error) {
	svc, err := getService(w, serviceId)
	if err != nil {
		return nil, err
	}
	if svc.Creator != tx.Caller {
		return nil, federation.ErrNotCreator
	}
	if svc.State != federation.ServiceState_Open {
		return nil, federation.ErrServiceNotOpen
	}
	bid, err := w.GetBid(serviceId, bidIndex)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, federation.ErrBidIndexOutOfRange
	} else if err != nil {
		return nil, err
	}

	svc.Provider = bid.Bidder
	svc.ProviderEndpoint = bid.ProviderEndpoint
	svc.State = federation.ServiceState_Closed
	if err := w.PutService(svc); err != nil {
		return nil, err
	}
	return &Result{Events: []*federation.Event{{
		Type:      federation.EventType_ServiceAnnouncementClosed,
		ServiceId: serviceId,
	}}}, nil
}

func serviceDeployed(w storage.Writer, tx *TxContext, serviceId, info string) (*Result, error) {
	svc, err := getService(w, serviceId)
	if err != nil {
		return nil, err
	}
	if svc.Provider != tx.Caller {
		return nil, federation.ErrNotProvider
	}
	if svc.State != federation.ServiceState_Closed {
		return nil, federation.ErrServiceNotClosed
	}

	svc.Requirements = info
	svc.State = federation.ServiceState_Deployed
	if err := w.PutService(svc); err != nil {
		return nil, err
	}
	return &Result{Events: []*federation.Event{{
		Type:      federation.EventType_ServiceDeployed,
		ServiceId: serviceId,
	}}}, nil
}

func isRegistered(r storage.Reader, address common.Address) (bool, error) {
	_, err := r.GetOperator(address)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func requireRegistered(r storage.Reader, address common.Address) error {
	registered, err := isRegistered(r, address)
	if err != nil {
		return err
	}
	if !registered {
		return federation.ErrNotRegistered
	}
	return nil
}

func getService(r storage.Reader, serviceId string) (*federation.Service, error) {
	svc, err := r.GetService(serviceId)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, federation.ErrServiceNotFound
	}
	return svc, err
}
