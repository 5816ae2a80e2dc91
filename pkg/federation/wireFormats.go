package federation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

const (
	requirementsServiceKey  = "service"
	requirementsReplicasKey = "replicas"
)

// Requirements is what a consumer asks for in an announcement: an image to run and how many replicas.
type Requirements struct {
	Image    string `json:"image"`
	Replicas int    `json:"replicas"`
}

func (r *Requirements) String() string {
	return fmt.Sprintf("%s=%s;%s=%d", requirementsServiceKey, r.Image, requirementsReplicasKey, r.Replicas)
}

func (r *Requirements) Validate() error {
	if r.Image == "" {
		return fmt.Errorf("requirements: image must not be empty")
	}
	if strings.ContainsAny(r.Image, ";=") {
		return fmt.Errorf("requirements: image %q must not contain ';' or '='", r.Image)
	}
	if r.Replicas < 1 {
		return fmt.Errorf("requirements: replicas must be at least 1, got %d", r.Replicas)
	}
	return nil
}

// ParseRequirements reads "service=<image>;replicas=<n>". A missing replicas field defaults to 1.
func ParseRequirements(s string) (*Requirements, error) {
	fields, err := parseKeyValues(s)
	if err != nil {
		return nil, fmt.Errorf("requirements: %w", err)
	}
	r := &Requirements{Image: fields[requirementsServiceKey], Replicas: 1}
	if raw, ok := fields[requirementsReplicasKey]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("requirements: invalid replicas %q: %w", raw, err)
		}
		r.Replicas = n
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

var endpointPattern = regexp.MustCompile(`^ip_address=\d{1,3}(\.\d{1,3}){3};vxlan_id=\d+;vxlan_port=\d+;federation_net=\d{1,3}(\.\d{1,3}){3}/\d+$`)

// Endpoint is the data-plane address a domain publishes on the ledger so that its counterpart can build
// the tunnel towards it.
type Endpoint struct {
	IpAddress     string `json:"ipAddress"`
	VxlanId       int    `json:"vxlanId"`
	VxlanPort     int    `json:"vxlanPort"`
	FederationNet string `json:"federationNet"`
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("ip_address=%s;vxlan_id=%d;vxlan_port=%d;federation_net=%s",
		e.IpAddress, e.VxlanId, e.VxlanPort, e.FederationNet)
}

func (e *Endpoint) Validate() error {
	if !endpointPattern.MatchString(e.String()) {
		return fmt.Errorf("endpoint: malformed endpoint %q", e.String())
	}
	if net.ParseIP(e.IpAddress).To4() == nil {
		return fmt.Errorf("endpoint: invalid ip address %q", e.IpAddress)
	}
	if e.VxlanId < 1 || e.VxlanId > 16777215 {
		return fmt.Errorf("endpoint: vxlan id %d out of range", e.VxlanId)
	}
	if e.VxlanPort < 1 || e.VxlanPort > 65535 {
		return fmt.Errorf("endpoint: vxlan port %d out of range", e.VxlanPort)
	}
	if _, _, err := net.ParseCIDR(e.FederationNet); err != nil {
		return fmt.Errorf("endpoint: invalid federation net %q: %w", e.FederationNet, err)
	}
	return nil
}

func ParseEndpoint(s string) (*Endpoint, error) {
	if !endpointPattern.MatchString(s) {
		return nil, fmt.Errorf("endpoint: malformed endpoint %q", s)
	}
	fields, err := parseKeyValues(s)
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}
	vxlanId, err := strconv.Atoi(fields["vxlan_id"])
	if err != nil {
		return nil, fmt.Errorf("endpoint: invalid vxlan_id: %w", err)
	}
	vxlanPort, err := strconv.Atoi(fields["vxlan_port"])
	if err != nil {
		return nil, fmt.Errorf("endpoint: invalid vxlan_port: %w", err)
	}
	e := &Endpoint{
		IpAddress:     fields["ip_address"],
		VxlanId:       vxlanId,
		VxlanPort:     vxlanPort,
		FederationNet: fields["federation_net"],
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func parseKeyValues(s string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty value")
	}
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("segment %q is not key=value", part)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}

// CarveSubnet returns the /24 inside an IPv4 federation subnet that belongs to nodeId: the third octet of
// the network address is replaced by the node id.
func CarveSubnet(federationNet string, nodeId int) (string, error) {
	if nodeId < 0 || nodeId > 255 {
		return "", fmt.Errorf("node id %d must be within 0-255", nodeId)
	}
	_, ipNet, err := net.ParseCIDR(federationNet)
	if err != nil {
		return "", fmt.Errorf("invalid federation net %q: %w", federationNet, err)
	}
	ip := ipNet.IP.To4()
	if ip == nil {
		return "", fmt.Errorf("federation net %q is not IPv4", federationNet)
	}
	ones, _ := ipNet.Mask.Size()
	if ones > 24 {
		return "", fmt.Errorf("federation net %q is smaller than a /24", federationNet)
	}
	carved := net.IPv4(ip[0], ip[1], byte(nodeId), 0)
	if !ipNet.Contains(carved) {
		return "", fmt.Errorf("node id %d falls outside federation net %q", nodeId, federationNet)
	}
	return fmt.Sprintf("%s/24", carved.String()), nil
}

// UsableRange returns the first and last host addresses of an IPv4 subnet.
func UsableRange(subnet string) (string, string, error) {
	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return "", "", fmt.Errorf("invalid subnet %q: %w", subnet, err)
	}
	network := ipNet.IP.To4()
	if network == nil {
		return "", "", fmt.Errorf("subnet %q is not IPv4", subnet)
	}
	ones, bits := ipNet.Mask.Size()
	if bits-ones < 2 {
		return "", "", fmt.Errorf("subnet %q has no usable host range", subnet)
	}
	first := make(net.IP, 4)
	last := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		first[i] = network[i]
		last[i] = network[i] | ^ipNet.Mask[i]
	}
	first[3]++
	last[3]--
	return first.String(), last.String(), nil
}
