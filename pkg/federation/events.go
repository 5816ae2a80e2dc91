package federation

import (
	"github.com/ethereum/go-ethereum/common"
)

type EventType string

const (
	EventType_OperatorRegistered        EventType = "OperatorRegistered"
	EventType_OperatorRemoved           EventType = "OperatorRemoved"
	EventType_ServiceAnnouncement       EventType = "ServiceAnnouncement"
	EventType_NewBid                    EventType = "NewBid"
	EventType_ServiceAnnouncementClosed EventType = "ServiceAnnouncementClosed"
	EventType_ServiceDeployed           EventType = "ServiceDeployed"
)

var AllEventTypes = []EventType{
	EventType_OperatorRegistered,
	EventType_OperatorRemoved,
	EventType_ServiceAnnouncement,
	EventType_NewBid,
	EventType_ServiceAnnouncementClosed,
	EventType_ServiceDeployed,
}

func IsKnownEventType(t string) bool {
	for _, e := range AllEventTypes {
		if string(e) == t {
			return true
		}
	}
	return false
}

// Event is a registry log entry. BlockNumber, TxHash and LogIndex are filled in by the ledger once the
// emitting transaction is included in a block.
type Event struct {
	Type         EventType      `json:"type"`
	ServiceId    string         `json:"serviceId,omitempty"`
	Requirements string         `json:"requirements,omitempty"`
	BidCount     uint64         `json:"bidCount,omitempty"`
	Operator     common.Address `json:"operator,omitempty"`
	Name         string         `json:"name,omitempty"`

	BlockNumber uint64      `json:"blockNumber"`
	TxHash      common.Hash `json:"txHash"`
	LogIndex    uint        `json:"logIndex"`
}
