package federation

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Operator struct {
	Address      common.Address `json:"address"`
	Name         string         `json:"name"`
	RegisteredAt time.Time      `json:"registeredAt"`
}

type ServiceState uint8

const (
	ServiceState_Open ServiceState = iota
	ServiceState_Closed
	ServiceState_Deployed
)

func (s ServiceState) String() string {
	switch s {
	case ServiceState_Open:
		return "Open"
	case ServiceState_Closed:
		return "Closed"
	case ServiceState_Deployed:
		return "Deployed"
	}
	return fmt.Sprintf("ServiceState(%d)", uint8(s))
}

func ParseServiceState(s string) (ServiceState, error) {
	switch strings.ToLower(s) {
	case "open":
		return ServiceState_Open, nil
	case "closed":
		return ServiceState_Closed, nil
	case "deployed":
		return ServiceState_Deployed, nil
	}
	return 0, fmt.Errorf("unknown service state %q", s)
}

func (s ServiceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ServiceState) UnmarshalText(b []byte) error {
	parsed, err := ParseServiceState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Service struct {
	ServiceId        string         `json:"serviceId"`
	Creator          common.Address `json:"creator"`
	ConsumerEndpoint string         `json:"consumerEndpoint"`
	Provider         common.Address `json:"provider"`
	ProviderEndpoint string         `json:"providerEndpoint"`
	Requirements     string         `json:"requirements"`
	State            ServiceState   `json:"state"`
	AnnouncedAtBlock uint64         `json:"announcedAtBlock"`
}

func (s *Service) Clone() *Service {
	c := *s
	return &c
}

type Bid struct {
	ServiceId        string         `json:"serviceId"`
	Bidder           common.Address `json:"bidder"`
	Price            uint64         `json:"price"`
	ProviderEndpoint string         `json:"providerEndpoint"`
	Index            uint64         `json:"index"`
}

// ServiceInfo is the view of a service handed to one of its two participants. CounterpartEndpoint is the
// provider endpoint when read by the creator and the consumer endpoint when read by the provider.
type ServiceInfo struct {
	ServiceId           string         `json:"serviceId"`
	State               ServiceState   `json:"state"`
	Creator             common.Address `json:"creator"`
	Provider            common.Address `json:"provider"`
	CounterpartEndpoint string         `json:"counterpartEndpoint"`
	// Info holds the requirements while the service is open or closed and the deployment info once deployed.
	Info string `json:"info"`
}
