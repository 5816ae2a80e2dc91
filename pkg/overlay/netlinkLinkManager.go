package overlay

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// NetlinkLinkManager manages links in the host network namespace. It needs CAP_NET_ADMIN.
type NetlinkLinkManager struct {
	logger *zap.Logger
}

func NewNetlinkLinkManager(logger *zap.Logger) *NetlinkLinkManager {
	return &NetlinkLinkManager{logger: logger}
}

func (m *NetlinkLinkManager) LinkExists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to look up link %s: %w", name, err)
}

// AddVxlan adds a unicast VXLAN link equivalent to
// `ip link add <name> type vxlan id <id> local <local> remote <remote> dstport <port> dev <dev>`
func (m *NetlinkLinkManager) AddVxlan(link *VxlanLink) error {
	underlay, err := netlink.LinkByName(link.UnderlayDevice)
	if err != nil {
		return fmt.Errorf("failed to find underlay device %s: %w", link.UnderlayDevice, err)
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = link.Name
	vxlan := &netlink.Vxlan{
		LinkAttrs:    attrs,
		VxlanId:      int(link.VxlanId),
		VtepDevIndex: underlay.Attrs().Index,
		SrcAddr:      link.LocalIp,
		// a unicast group address is the remote endpoint
		Group:    link.RemoteIp,
		Port:     link.DstPort,
		Learning: true,
	}
	if err := netlink.LinkAdd(vxlan); err != nil {
		return fmt.Errorf("failed to add vxlan link %s: %w", link.Name, err)
	}
	m.logger.Sugar().Infow("Added vxlan link",
		"name", link.Name,
		"vxlanId", link.VxlanId,
		"local", link.LocalIp.String(),
		"remote", link.RemoteIp.String(),
		"dstPort", link.DstPort,
		"dev", link.UnderlayDevice,
	)
	return nil
}

func (m *NetlinkLinkManager) SetMasterAndUp(name, bridge string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", name, err)
	}
	master, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("failed to find bridge %s: %w", bridge, err)
	}
	if err := netlink.LinkSetMaster(link, master); err != nil {
		return fmt.Errorf("failed to enslave %s to %s: %w", name, bridge, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to set %s up: %w", name, err)
	}
	return nil
}

// DeleteLink removes the link. A missing link is not an error.
func (m *NetlinkLinkManager) DeleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to look up link %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete link %s: %w", name, err)
	}
	m.logger.Sugar().Infow("Deleted link", "name", name)
	return nil
}
