package agentConfig

import (
	"encoding/json"
	"net"
	"net/url"
	"slices"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/chainPoller/ledgerPoller"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/config"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/eventNotifier"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger/ethereumLedger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger/simulatedLedger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/retry"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/transactionSigner"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/yaml"
)

const (
	EnvPrefix = "FEDERATION_AGENT_"

	Debug      = "debug"
	ConfigFile = "config"
	ServerPort = "server-port"
)

type Role string

const (
	Role_Consumer Role = "consumer"
	Role_Provider Role = "provider"
	Role_Both     Role = "both"
)

func (r Role) IsConsumer() bool { return r == Role_Consumer || r == Role_Both }
func (r Role) IsProvider() bool { return r == Role_Provider || r == Role_Both }

type LedgerType string

const (
	LedgerType_Ethereum  LedgerType = "ethereum"
	LedgerType_Simulated LedgerType = "simulated"
)

type HostManagerType string

const (
	HostManagerType_Local  HostManagerType = "local"
	HostManagerType_Remote HostManagerType = "remote"
)

type SelectionPolicyType string

const (
	SelectionPolicy_MinPrice      SelectionPolicyType = "min-price"
	SelectionPolicy_MatchingPrice SelectionPolicyType = "matching-price"
)

type LedgerConfig struct {
	Type LedgerType `json:"type" yaml:"type"`
	// Signer is the operator account; the ethereum backend uses it unless Ethereum.Signer is set
	Signer    *transactionSigner.SignerConfig       `json:"signer" yaml:"signer"`
	Ethereum  *ethereumLedger.EthereumLedgerConfig   `json:"ethereum,omitempty" yaml:"ethereum,omitempty"`
	Simulated *simulatedLedger.SimulatedLedgerConfig `json:"simulated,omitempty" yaml:"simulated,omitempty"`
	Poller    *ledgerPoller.LedgerPollerConfig       `json:"poller,omitempty" yaml:"poller,omitempty"`
	Wait      *ledger.WaitConfig                     `json:"wait,omitempty" yaml:"wait,omitempty"`
}

func (lc *LedgerConfig) Validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	if lc.Signer == nil || lc.Signer.PrivateKey == "" {
		allErrors = append(allErrors, field.Required(path.Child("signer", "privateKey"), "operator private key is required"))
	}
	switch lc.Type {
	case LedgerType_Ethereum:
		if lc.Ethereum == nil {
			allErrors = append(allErrors, field.Required(path.Child("ethereum"), "ethereum config is required when type is ethereum"))
		} else {
			if lc.Ethereum.Signer == nil {
				lc.Ethereum.Signer = lc.Signer
			}
			allErrors = append(allErrors, lc.Ethereum.Validate(path.Child("ethereum"))...)
		}
	case LedgerType_Simulated:
		if lc.Simulated == nil {
			lc.Simulated = simulatedLedger.DefaultSimulatedLedgerConfig()
		}
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("type"), lc.Type, []string{string(LedgerType_Ethereum), string(LedgerType_Simulated)}))
	}
	if lc.Wait == nil {
		lc.Wait = ledger.DefaultWaitConfig()
	}
	allErrors = append(allErrors, validateWait(path.Child("wait"), lc.Wait)...)
	if lc.Poller == nil {
		lc.Poller = ledgerPoller.DefaultLedgerPollerConfig()
	} else if lc.Poller.PollingInterval <= 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("poller", "pollingInterval"), lc.Poller.PollingInterval, "must be positive"))
	}
	return allErrors
}

type VxlanIdPool struct {
	Start uint32 `json:"start" yaml:"start"`
	End   uint32 `json:"end" yaml:"end"`
}

type NetworkConfig struct {
	// LocalIp is the underlay address the remote domain sends tunnel traffic to
	LocalIp   string `json:"localIp" yaml:"localIp"`
	Interface string `json:"interface" yaml:"interface"`
	// NodeId picks this domain's /24 inside a federation subnet
	NodeId           int         `json:"nodeId" yaml:"nodeId"`
	FederationSubnet string      `json:"federationSubnet" yaml:"federationSubnet"`
	VxlanIdPool      VxlanIdPool `json:"vxlanIdPool" yaml:"vxlanIdPool"`
	VxlanPort        int         `json:"vxlanPort" yaml:"vxlanPort"`
	// NetworkNamePrefix names the per-tunnel container network <prefix>-<vxlanId>
	NetworkNamePrefix string `json:"networkNamePrefix" yaml:"networkNamePrefix"`
}

func (nc *NetworkConfig) Validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	if net.ParseIP(nc.LocalIp).To4() == nil {
		allErrors = append(allErrors, field.Invalid(path.Child("localIp"), nc.LocalIp, "must be an IPv4 address"))
	}
	if nc.Interface == "" {
		allErrors = append(allErrors, field.Required(path.Child("interface"), "interface is required"))
	}
	if nc.NodeId < 0 || nc.NodeId > 255 {
		allErrors = append(allErrors, field.Invalid(path.Child("nodeId"), nc.NodeId, "must be within 0-255"))
	}
	if _, _, err := net.ParseCIDR(nc.FederationSubnet); err != nil {
		allErrors = append(allErrors, field.Invalid(path.Child("federationSubnet"), nc.FederationSubnet, "must be a CIDR"))
	}
	if nc.VxlanIdPool.Start == 0 || nc.VxlanIdPool.End < nc.VxlanIdPool.Start || nc.VxlanIdPool.End > 1<<24-1 {
		allErrors = append(allErrors, field.Invalid(path.Child("vxlanIdPool"), nc.VxlanIdPool, "must be a non-empty range within 1-16777215"))
	}
	if nc.VxlanPort == 0 {
		nc.VxlanPort = 4789
	} else if nc.VxlanPort < 0 || nc.VxlanPort > 65535 {
		allErrors = append(allErrors, field.Invalid(path.Child("vxlanPort"), nc.VxlanPort, "must be a valid port"))
	}
	if nc.NetworkNamePrefix == "" {
		nc.NetworkNamePrefix = "federation-net"
	}
	return allErrors
}

type HostManagerConfig struct {
	Type HostManagerType `json:"type" yaml:"type"`
	// Url of a remote host manager
	Url     string        `json:"url,omitempty" yaml:"url,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// DockerHost is used by the local host manager
	DockerHost string `json:"dockerHost,omitempty" yaml:"dockerHost,omitempty"`
}

func (hc *HostManagerConfig) Validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	switch hc.Type {
	case HostManagerType_Local:
	case HostManagerType_Remote:
		if u, err := url.Parse(hc.Url); err != nil || u.Scheme == "" || u.Host == "" {
			allErrors = append(allErrors, field.Invalid(path.Child("url"), hc.Url, "must be an absolute URL when type is remote"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("type"), hc.Type, []string{string(HostManagerType_Local), string(HostManagerType_Remote)}))
	}
	if hc.Timeout == 0 {
		hc.Timeout = 2 * time.Minute
	}
	return allErrors
}

type ConsumerConfig struct {
	// OffersToWait closes bidding early once this many bids arrived
	OffersToWait      int                 `json:"offersToWait" yaml:"offersToWait"`
	BiddingTimeout    time.Duration       `json:"biddingTimeout" yaml:"biddingTimeout"`
	DeploymentTimeout time.Duration       `json:"deploymentTimeout" yaml:"deploymentTimeout"`
	StatePollInterval time.Duration       `json:"statePollInterval" yaml:"statePollInterval"`
	SelectionPolicy   SelectionPolicyType `json:"selectionPolicy" yaml:"selectionPolicy"`
	// TargetPrice is matched by the matching-price policy
	TargetPrice uint64 `json:"targetPrice,omitempty" yaml:"targetPrice,omitempty"`
	// AppContainer is attached to the federation network once the tunnel is up
	AppContainer string `json:"appContainer,omitempty" yaml:"appContainer,omitempty"`
	// PingCount enables a connectivity check from AppContainer to the federated service
	PingCount int `json:"pingCount,omitempty" yaml:"pingCount,omitempty"`
}

func DefaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		OffersToWait:      1,
		BiddingTimeout:    30 * time.Second,
		DeploymentTimeout: 5 * time.Minute,
		StatePollInterval: 2 * time.Second,
		SelectionPolicy:   SelectionPolicy_MinPrice,
	}
}

func (cc *ConsumerConfig) Validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	if cc.OffersToWait < 1 {
		allErrors = append(allErrors, field.Invalid(path.Child("offersToWait"), cc.OffersToWait, "must be at least 1"))
	}
	if cc.BiddingTimeout <= 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("biddingTimeout"), cc.BiddingTimeout, "must be positive"))
	}
	if cc.DeploymentTimeout <= 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("deploymentTimeout"), cc.DeploymentTimeout, "must be positive"))
	}
	if cc.StatePollInterval <= 0 {
		cc.StatePollInterval = 2 * time.Second
	}
	switch cc.SelectionPolicy {
	case "":
		cc.SelectionPolicy = SelectionPolicy_MinPrice
	case SelectionPolicy_MinPrice:
	case SelectionPolicy_MatchingPrice:
		if cc.TargetPrice == 0 {
			allErrors = append(allErrors, field.Required(path.Child("targetPrice"), "targetPrice is required for the matching-price policy"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("selectionPolicy"), cc.SelectionPolicy, []string{string(SelectionPolicy_MinPrice), string(SelectionPolicy_MatchingPrice)}))
	}
	if cc.PingCount < 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("pingCount"), cc.PingCount, "must not be negative"))
	}
	return allErrors
}

type ProviderConfig struct {
	Price uint64 `json:"price" yaml:"price"`
	// AllowedImages restricts which announced images are bid on; empty allows all
	AllowedImages     []string      `json:"allowedImages,omitempty" yaml:"allowedImages,omitempty"`
	OutcomeTimeout    time.Duration `json:"outcomeTimeout" yaml:"outcomeTimeout"`
	StatePollInterval time.Duration `json:"statePollInterval" yaml:"statePollInterval"`
	// StartupScanBlocks is how far back announcements are scanned when the provider starts
	StartupScanBlocks     uint64 `json:"startupScanBlocks" yaml:"startupScanBlocks"`
	MaxConcurrentServices int64  `json:"maxConcurrentServices" yaml:"maxConcurrentServices"`
	ContainerPort         int    `json:"containerPort,omitempty" yaml:"containerPort,omitempty"`
	HostPortBase          int    `json:"hostPortBase,omitempty" yaml:"hostPortBase,omitempty"`
	// AutoStart begins watching announcements as soon as the agent runs
	AutoStart bool `json:"autoStart" yaml:"autoStart"`
}

func DefaultProviderConfig() *ProviderConfig {
	return &ProviderConfig{
		Price:                 10,
		OutcomeTimeout:        2 * time.Minute,
		StatePollInterval:     2 * time.Second,
		StartupScanBlocks:     100,
		MaxConcurrentServices: 4,
	}
}

func (pc *ProviderConfig) Validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	if pc.Price == 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("price"), pc.Price, "must be greater than zero"))
	}
	if pc.OutcomeTimeout <= 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("outcomeTimeout"), pc.OutcomeTimeout, "must be positive"))
	}
	if pc.StatePollInterval <= 0 {
		pc.StatePollInterval = 2 * time.Second
	}
	if pc.MaxConcurrentServices < 1 {
		allErrors = append(allErrors, field.Invalid(path.Child("maxConcurrentServices"), pc.MaxConcurrentServices, "must be at least 1"))
	}
	if pc.ContainerPort < 0 || pc.ContainerPort > 65535 {
		allErrors = append(allErrors, field.Invalid(path.Child("containerPort"), pc.ContainerPort, "must be a valid port"))
	}
	return allErrors
}

// AllowsImage reports whether the provider bids on announcements for image
func (pc *ProviderConfig) AllowsImage(image string) bool {
	return len(pc.AllowedImages) == 0 || slices.Contains(pc.AllowedImages, image)
}

type ServerConfig struct {
	Port      int                     `json:"port" yaml:"port"`
	RateLimit *config.RateLimitConfig `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
}

type AgentConfig struct {
	Debug      bool   `json:"debug" yaml:"debug"`
	DomainName string `json:"domainName" yaml:"domainName"`
	Role       Role   `json:"role" yaml:"role"`
	// AutoRegister registers the operator on the ledger when the agent starts
	AutoRegister bool `json:"autoRegister" yaml:"autoRegister"`

	Ledger      *LedgerConfig         `json:"ledger" yaml:"ledger"`
	Network     *NetworkConfig        `json:"network" yaml:"network"`
	HostManager *HostManagerConfig    `json:"hostManager" yaml:"hostManager"`
	Consumer    *ConsumerConfig       `json:"consumer,omitempty" yaml:"consumer,omitempty"`
	Provider    *ProviderConfig       `json:"provider,omitempty" yaml:"provider,omitempty"`
	Retry       *retry.RetryConfig    `json:"retry,omitempty" yaml:"retry,omitempty"`
	Storage     *config.StorageConfig `json:"storage,omitempty" yaml:"storage,omitempty"`
	Server      *ServerConfig         `json:"server,omitempty" yaml:"server,omitempty"`
	// Notifier tunes webhook delivery for event subscriptions
	Notifier *eventNotifier.EventNotifierConfig `json:"notifier,omitempty" yaml:"notifier,omitempty"`
}

// Validate checks the config and fills in defaults for optional sections
func (ac *AgentConfig) Validate() error {
	var allErrors field.ErrorList
	if ac.DomainName == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("domainName"), "domainName is required"))
	}
	if !slices.Contains([]Role{Role_Consumer, Role_Provider, Role_Both}, ac.Role) {
		allErrors = append(allErrors, field.NotSupported(field.NewPath("role"), ac.Role, []string{string(Role_Consumer), string(Role_Provider), string(Role_Both)}))
	}

	if ac.Ledger == nil {
		allErrors = append(allErrors, field.Required(field.NewPath("ledger"), "ledger is required"))
	} else {
		allErrors = append(allErrors, ac.Ledger.Validate(field.NewPath("ledger"))...)
	}
	if ac.Network == nil {
		allErrors = append(allErrors, field.Required(field.NewPath("network"), "network is required"))
	} else {
		allErrors = append(allErrors, ac.Network.Validate(field.NewPath("network"))...)
	}
	if ac.HostManager == nil {
		ac.HostManager = &HostManagerConfig{Type: HostManagerType_Local}
	}
	allErrors = append(allErrors, ac.HostManager.Validate(field.NewPath("hostManager"))...)

	if ac.Consumer == nil {
		ac.Consumer = DefaultConsumerConfig()
	}
	if ac.Role.IsConsumer() {
		allErrors = append(allErrors, ac.Consumer.Validate(field.NewPath("consumer"))...)
	}
	if ac.Provider == nil {
		ac.Provider = DefaultProviderConfig()
	}
	if ac.Role.IsProvider() {
		allErrors = append(allErrors, ac.Provider.Validate(field.NewPath("provider"))...)
	}

	if ac.Retry == nil {
		ac.Retry = retry.DefaultRetryConfig()
	}
	allErrors = append(allErrors, validateRetry(field.NewPath("retry"), ac.Retry)...)
	if ac.Storage == nil {
		ac.Storage = &config.StorageConfig{Type: config.StorageType_Memory}
	}
	allErrors = append(allErrors, ac.Storage.Validate(field.NewPath("storage"))...)

	if ac.Server == nil {
		ac.Server = &ServerConfig{Port: 8000}
	}
	if ac.Server.Port <= 0 || ac.Server.Port > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("server", "port"), ac.Server.Port, "must be a valid port"))
	}
	if ac.Server.RateLimit != nil {
		allErrors = append(allErrors, ac.Server.RateLimit.Validate(field.NewPath("server", "rateLimit"))...)
	}

	if ac.Notifier == nil {
		ac.Notifier = eventNotifier.DefaultEventNotifierConfig()
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// validateRetry fills unset backoff fields from the defaults and rejects values that would spin or never back off
func validateRetry(path *field.Path, rc *retry.RetryConfig) field.ErrorList {
	var allErrors field.ErrorList
	defaults := retry.DefaultRetryConfig()
	if rc.InitialDelay == 0 {
		rc.InitialDelay = defaults.InitialDelay
	}
	if rc.MaxDelay == 0 {
		rc.MaxDelay = defaults.MaxDelay
	}
	if rc.BackoffMultiplier == 0 {
		rc.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if rc.MaxRetries < 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("maxRetries"), rc.MaxRetries, "must not be negative"))
	}
	if rc.InitialDelay < 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("initialDelay"), rc.InitialDelay, "must be positive"))
	}
	if rc.MaxDelay < rc.InitialDelay {
		allErrors = append(allErrors, field.Invalid(path.Child("maxDelay"), rc.MaxDelay, "must be at least initialDelay"))
	}
	if rc.BackoffMultiplier < 1 {
		allErrors = append(allErrors, field.Invalid(path.Child("backoffMultiplier"), rc.BackoffMultiplier, "must be at least 1"))
	}
	if rc.AttemptTimeout < 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("attemptTimeout"), rc.AttemptTimeout, "must not be negative"))
	}
	return allErrors
}

func validateWait(path *field.Path, wc *ledger.WaitConfig) field.ErrorList {
	var allErrors field.ErrorList
	defaults := ledger.DefaultWaitConfig()
	if wc.Timeout == 0 {
		wc.Timeout = defaults.Timeout
	}
	if wc.PollInterval == 0 {
		wc.PollInterval = defaults.PollInterval
	}
	if wc.MaxPollInterval == 0 {
		wc.MaxPollInterval = max(defaults.MaxPollInterval, wc.PollInterval)
	}
	if wc.Timeout < 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("timeout"), wc.Timeout, "must be positive"))
	}
	if wc.PollInterval < 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("pollInterval"), wc.PollInterval, "must be positive"))
	}
	if wc.MaxPollInterval < wc.PollInterval {
		allErrors = append(allErrors, field.Invalid(path.Child("maxPollInterval"), wc.MaxPollInterval, "must be at least pollInterval"))
	}
	return allErrors
}

// NewAgentConfig seeds a config from flags and environment variables bound through viper
func NewAgentConfig() *AgentConfig {
	return &AgentConfig{
		Debug: viper.GetBool(config.KebabToSnakeCase(Debug)),
		Server: &ServerConfig{
			Port: viper.GetInt(config.KebabToSnakeCase(ServerPort)),
		},
	}
}

func NewAgentConfigFromYamlBytes(data []byte) (*AgentConfig, error) {
	var ac *AgentConfig
	if err := yaml.Unmarshal(data, &ac); err != nil {
		return nil, err
	}
	return ac, nil
}

func NewAgentConfigFromJsonBytes(data []byte) (*AgentConfig, error) {
	var ac *AgentConfig
	if err := json.Unmarshal(data, &ac); err != nil {
		return nil, err
	}
	return ac, nil
}
