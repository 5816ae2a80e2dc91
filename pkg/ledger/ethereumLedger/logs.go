package ethereumLedger

import (
	"bytes"
	"math/big"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// packCall encodes call as calldata for the registry contract.
func packCall(contractAbi *abi.ABI, call *federation.Call) ([]byte, error) {
	var args []interface{}
	switch call.Method {
	case federation.Method_RegisterOperator:
		args = []interface{}{call.Name}
	case federation.Method_RemoveOperator:
	case federation.Method_AnnounceService:
		args = []interface{}{call.ServiceId, call.Requirements, call.Endpoint}
	case federation.Method_PlaceBid:
		args = []interface{}{call.ServiceId, new(big.Int).SetUint64(call.Price), call.Endpoint}
	case federation.Method_ChooseProvider:
		args = []interface{}{call.ServiceId, new(big.Int).SetUint64(call.BidIndex)}
	case federation.Method_ServiceDeployed:
		args = []interface{}{call.ServiceId, call.Info}
	default:
		return nil, errors.Errorf("unsupported method %q", call.Method)
	}
	data, err := contractAbi.Pack(string(call.Method), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pack %s", call.Method)
	}
	return data, nil
}

// decodeLog converts a registry log into an Event. Logs whose topic is not a registry event return an error.
func decodeLog(contractAbi *abi.ABI, lg *types.Log) (*federation.Event, error) {
	if len(lg.Topics) == 0 {
		return nil, errors.New("log has no topics")
	}
	event, err := contractAbi.EventByID(lg.Topics[0])
	if err != nil {
		return nil, errors.Wrapf(err, "unknown event topic %s", lg.Topics[0].String())
	}

	values, err := contractAbi.Unpack(event.Name, lg.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unpack %s", event.Name)
	}

	e := &federation.Event{
		Type:        federation.EventType(event.Name),
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}

	switch e.Type {
	case federation.EventType_OperatorRegistered:
		if len(lg.Topics) < 2 || len(values) < 1 {
			return nil, errors.Errorf("malformed %s log", event.Name)
		}
		e.Operator = common.BytesToAddress(lg.Topics[1].Bytes())
		e.Name, _ = values[0].(string)
	case federation.EventType_OperatorRemoved:
		if len(lg.Topics) < 2 {
			return nil, errors.Errorf("malformed %s log", event.Name)
		}
		e.Operator = common.BytesToAddress(lg.Topics[1].Bytes())
	case federation.EventType_ServiceAnnouncement:
		if len(values) < 2 {
			return nil, errors.Errorf("malformed %s log", event.Name)
		}
		e.ServiceId, _ = values[0].(string)
		e.Requirements, _ = values[1].(string)
	case federation.EventType_NewBid:
		if len(values) < 2 {
			return nil, errors.Errorf("malformed %s log", event.Name)
		}
		e.ServiceId, _ = values[0].(string)
		if count, ok := values[1].(*big.Int); ok {
			e.BidCount = count.Uint64()
		}
	case federation.EventType_ServiceAnnouncementClosed, federation.EventType_ServiceDeployed:
		if len(values) < 1 {
			return nil, errors.Errorf("malformed %s log", event.Name)
		}
		e.ServiceId, _ = values[0].(string)
	default:
		return nil, errors.Errorf("unhandled event %s", event.Name)
	}
	return e, nil
}

// errorFromRevertData maps ABI-encoded custom error data to the matching federation error.
func errorFromRevertData(contractAbi *abi.ABI, data []byte) error {
	if len(data) < 4 {
		return nil
	}
	for name, abiErr := range contractAbi.Errors {
		if bytes.Equal(abiErr.ID[:4], data[:4]) {
			return federation.ErrorFromCode(name)
		}
	}
	return nil
}
