package overlay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

const (
	DefaultVxlanPort = 4789
	// MaxVxlanId is the largest 24-bit VXLAN network identifier
	MaxVxlanId = 1<<24 - 1

	vxlanLinkPrefix = "vxlan"
)

// VxlanLinkName is the host interface name used for a tunnel
func VxlanLinkName(vxlanId uint32) string {
	return fmt.Sprintf("%s%d", vxlanLinkPrefix, vxlanId)
}

// TunnelSpec is everything needed to join the local container network to a remote domain
type TunnelSpec struct {
	LocalIp        string `json:"localIp"`
	RemoteIp       string `json:"remoteIp"`
	LocalInterface string `json:"localInterface"`
	VxlanId        uint32 `json:"vxlanId"`
	DstPort        int    `json:"dstPort"`
	Subnet         string `json:"subnet"`
	IpRange        string `json:"ipRange"`
	NetworkName    string `json:"networkName"`
}

func (s *TunnelSpec) Validate() field.ErrorList {
	var allErrors field.ErrorList
	if net.ParseIP(s.LocalIp) == nil {
		allErrors = append(allErrors, field.Invalid(field.NewPath("localIp"), s.LocalIp, "must be an IP address"))
	}
	if net.ParseIP(s.RemoteIp) == nil {
		allErrors = append(allErrors, field.Invalid(field.NewPath("remoteIp"), s.RemoteIp, "must be an IP address"))
	}
	if s.LocalInterface == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("localInterface"), "underlay interface is required"))
	}
	if s.VxlanId == 0 || s.VxlanId > MaxVxlanId {
		allErrors = append(allErrors, field.Invalid(field.NewPath("vxlanId"), s.VxlanId, "must be between 1 and 16777215"))
	}
	if s.DstPort < 0 || s.DstPort > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("dstPort"), s.DstPort, "must be a valid port"))
	}
	if _, subnet, err := net.ParseCIDR(s.Subnet); err != nil {
		allErrors = append(allErrors, field.Invalid(field.NewPath("subnet"), s.Subnet, "must be a CIDR"))
	} else if s.IpRange != "" {
		rangeIp, _, err := net.ParseCIDR(s.IpRange)
		if err != nil {
			allErrors = append(allErrors, field.Invalid(field.NewPath("ipRange"), s.IpRange, "must be a CIDR"))
		} else if !subnet.Contains(rangeIp) {
			allErrors = append(allErrors, field.Invalid(field.NewPath("ipRange"), s.IpRange, "must be inside subnet"))
		}
	}
	if s.NetworkName == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("networkName"), "network name is required"))
	}
	return allErrors
}

// Tunnel is an active tunnel on this host
type Tunnel struct {
	TunnelSpec
	LinkName   string    `json:"linkName"`
	BridgeName string    `json:"bridgeName"`
	NetworkId  string    `json:"networkId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// VxlanLink describes the kernel link backing a tunnel
type VxlanLink struct {
	Name           string
	VxlanId        uint32
	LocalIp        net.IP
	RemoteIp       net.IP
	DstPort        int
	UnderlayDevice string
}

// LinkManager creates and removes host network links
type LinkManager interface {
	LinkExists(name string) (bool, error)
	AddVxlan(link *VxlanLink) error
	SetMasterAndUp(name, bridge string) error
	DeleteLink(name string) error
}

// NetworkDriver owns the container network a tunnel is bridged into
type NetworkDriver interface {
	EnsureNetwork(ctx context.Context, spec *workloadOrchestrator.NetworkSpec) (*workloadOrchestrator.NetworkInfo, error)
	RemoveNetwork(ctx context.Context, name string) error
}
