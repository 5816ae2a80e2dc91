package federation

import (
	"fmt"
)

type Method string

const (
	Method_RegisterOperator Method = "registerOperator"
	Method_RemoveOperator   Method = "removeOperator"
	Method_AnnounceService  Method = "announceService"
	Method_PlaceBid         Method = "placeBid"
	Method_ChooseProvider   Method = "chooseProvider"
	Method_ServiceDeployed  Method = "serviceDeployed"
)

// Call is a state-changing registry transaction with its arguments. Only the fields relevant to
// Method are read.
type Call struct {
	Method       Method `json:"method"`
	Name         string `json:"name,omitempty"`
	ServiceId    string `json:"serviceId,omitempty"`
	Requirements string `json:"requirements,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	Price        uint64 `json:"price,omitempty"`
	BidIndex     uint64 `json:"bidIndex,omitempty"`
	Info         string `json:"info,omitempty"`
}

func (c *Call) String() string {
	if c.ServiceId != "" {
		return fmt.Sprintf("%s(%s)", c.Method, c.ServiceId)
	}
	return string(c.Method)
}

func RegisterOperatorCall(name string) *Call {
	return &Call{Method: Method_RegisterOperator, Name: name}
}

func RemoveOperatorCall() *Call {
	return &Call{Method: Method_RemoveOperator}
}

func AnnounceServiceCall(serviceId, requirements, consumerEndpoint string) *Call {
	return &Call{
		Method:       Method_AnnounceService,
		ServiceId:    serviceId,
		Requirements: requirements,
		Endpoint:     consumerEndpoint,
	}
}

func PlaceBidCall(serviceId string, price uint64, providerEndpoint string) *Call {
	return &Call{
		Method:    Method_PlaceBid,
		ServiceId: serviceId,
		Price:     price,
		Endpoint:  providerEndpoint,
	}
}

func ChooseProviderCall(serviceId string, bidIndex uint64) *Call {
	return &Call{Method: Method_ChooseProvider, ServiceId: serviceId, BidIndex: bidIndex}
}

func ServiceDeployedCall(serviceId, info string) *Call {
	return &Call{Method: Method_ServiceDeployed, ServiceId: serviceId, Info: info}
}
