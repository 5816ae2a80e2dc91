package agentConfig

import (
	"testing"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/config"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_AgentConfig(t *testing.T) {
	t.Run("YAML", func(t *testing.T) {
		t.Run("Should parse a valid yaml config", func(t *testing.T) {
			ac, err := NewAgentConfigFromYamlBytes([]byte(yamlValid))
			require.NoError(t, err)
			require.NoError(t, ac.Validate())

			assert.Equal(t, "domain-a", ac.DomainName)
			assert.Equal(t, Role_Both, ac.Role)
			assert.True(t, ac.Role.IsConsumer())
			assert.True(t, ac.Role.IsProvider())
			assert.Equal(t, LedgerType_Ethereum, ac.Ledger.Type)
			assert.Equal(t, "http://10.5.99.1:8545", ac.Ledger.Ethereum.RpcUrl)
			// the ledger-level signer is shared with the ethereum backend
			require.NotNil(t, ac.Ledger.Ethereum.Signer)
			assert.Equal(t, ac.Ledger.Signer.PrivateKey, ac.Ledger.Ethereum.Signer.PrivateKey)

			assert.Equal(t, uint32(200), ac.Network.VxlanIdPool.Start)
			assert.Equal(t, uint32(299), ac.Network.VxlanIdPool.End)
			assert.Equal(t, 4789, ac.Network.VxlanPort)
			assert.Equal(t, "federation-net", ac.Network.NetworkNamePrefix)

			assert.Equal(t, 2, ac.Consumer.OffersToWait)
			assert.Equal(t, 30*time.Second, ac.Consumer.BiddingTimeout)
			assert.Equal(t, uint64(20), ac.Provider.Price)
			assert.True(t, ac.Provider.AllowsImage("nginx:latest"))
			assert.False(t, ac.Provider.AllowsImage("redis:7"))

			assert.Equal(t, config.StorageType_Badger, ac.Storage.Type)
			assert.Equal(t, HostManagerType_Local, ac.HostManager.Type)
			assert.Equal(t, 8000, ac.Server.Port)
		})
		t.Run("Should fail to parse an invalid yaml config", func(t *testing.T) {
			_, err := NewAgentConfigFromYamlBytes([]byte(yamlInvalid))
			assert.Error(t, err)
		})
	})
	t.Run("JSON", func(t *testing.T) {
		ac, err := NewAgentConfigFromJsonBytes([]byte(jsonValid))
		require.NoError(t, err)
		require.NoError(t, ac.Validate())

		assert.Equal(t, Role_Consumer, ac.Role)
		assert.Equal(t, LedgerType_Simulated, ac.Ledger.Type)
		assert.NotNil(t, ac.Ledger.Simulated)
		assert.NotNil(t, ac.Ledger.Poller)
		assert.NotNil(t, ac.Retry)
		assert.Equal(t, config.StorageType_Memory, ac.Storage.Type)
		assert.Equal(t, SelectionPolicy_MinPrice, ac.Consumer.SelectionPolicy)
	})
}

func Test_AgentConfigValidate(t *testing.T) {
	valid := func(t *testing.T) *AgentConfig {
		ac, err := NewAgentConfigFromJsonBytes([]byte(jsonValid))
		require.NoError(t, err)
		return ac
	}

	t.Run("missing signer", func(t *testing.T) {
		ac := valid(t)
		ac.Ledger.Signer = nil
		assert.ErrorContains(t, ac.Validate(), "ledger.signer.privateKey")
	})
	t.Run("unknown role", func(t *testing.T) {
		ac := valid(t)
		ac.Role = "observer"
		assert.ErrorContains(t, ac.Validate(), "role")
	})
	t.Run("empty vxlan pool", func(t *testing.T) {
		ac := valid(t)
		ac.Network.VxlanIdPool = VxlanIdPool{Start: 300, End: 200}
		assert.ErrorContains(t, ac.Validate(), "network.vxlanIdPool")
	})
	t.Run("matching price needs a target", func(t *testing.T) {
		ac := valid(t)
		ac.Consumer.SelectionPolicy = SelectionPolicy_MatchingPrice
		assert.ErrorContains(t, ac.Validate(), "consumer.targetPrice")
	})
	t.Run("remote host manager needs a url", func(t *testing.T) {
		ac := valid(t)
		ac.HostManager = &HostManagerConfig{Type: HostManagerType_Remote}
		assert.ErrorContains(t, ac.Validate(), "hostManager.url")
	})
	t.Run("zero backoff fields take the defaults", func(t *testing.T) {
		ac := valid(t)
		ac.Retry = &retry.RetryConfig{MaxRetries: 3}
		ac.Ledger.Wait = &ledger.WaitConfig{}
		require.NoError(t, ac.Validate())

		assert.Equal(t, 3, ac.Retry.MaxRetries)
		assert.Equal(t, time.Second, ac.Retry.InitialDelay)
		assert.Equal(t, 30*time.Second, ac.Retry.MaxDelay)
		assert.Equal(t, 2.0, ac.Retry.BackoffMultiplier)
		assert.Equal(t, 2*time.Minute, ac.Ledger.Wait.Timeout)
		assert.Equal(t, 500*time.Millisecond, ac.Ledger.Wait.PollInterval)
		assert.Equal(t, 5*time.Second, ac.Ledger.Wait.MaxPollInterval)
	})
	t.Run("backoff that never grows", func(t *testing.T) {
		ac := valid(t)
		ac.Retry = &retry.RetryConfig{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 0.5}
		assert.ErrorContains(t, ac.Validate(), "retry.backoffMultiplier")
	})
	t.Run("max delay below initial delay", func(t *testing.T) {
		ac := valid(t)
		ac.Retry = &retry.RetryConfig{InitialDelay: time.Minute, MaxDelay: time.Second}
		assert.ErrorContains(t, ac.Validate(), "retry.maxDelay")
	})
	t.Run("negative receipt wait", func(t *testing.T) {
		ac := valid(t)
		ac.Ledger.Wait = &ledger.WaitConfig{Timeout: -time.Second}
		assert.ErrorContains(t, ac.Validate(), "ledger.wait.timeout")
	})
	t.Run("provider section is only checked for providers", func(t *testing.T) {
		ac := valid(t)
		ac.Provider = &ProviderConfig{}
		assert.NoError(t, ac.Validate())
		ac.Role = Role_Provider
		assert.ErrorContains(t, ac.Validate(), "provider.price")
	})
}

const yamlValid = `
domainName: domain-a
role: both
autoRegister: true
ledger:
  type: ethereum
  signer:
    type: private_key
    privateKey: "0x3f0a0d3b2c4f1e7a9b8c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b9c8d7e6f5a"
  ethereum:
    rpcUrl: http://10.5.99.1:8545
    confirmations: 1
network:
  localIp: 10.5.99.1
  interface: ens3
  nodeId: 1
  federationSubnet: 10.0.0.0/16
  vxlanIdPool:
    start: 200
    end: 299
consumer:
  offersToWait: 2
  biddingTimeout: 30000000000
  deploymentTimeout: 300000000000
provider:
  price: 20
  allowedImages:
    - nginx:latest
  outcomeTimeout: 120000000000
  maxConcurrentServices: 2
storage:
  type: badger
  badger:
    dir: /var/lib/federation-agent
`

const yamlInvalid = `
domainName: domain-a
role: [consumer
`

const jsonValid = `{
  "domainName": "domain-b",
  "role": "consumer",
  "ledger": {
    "type": "simulated",
    "signer": {"privateKey": "0x3f0a0d3b2c4f1e7a9b8c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b9c8d7e6f5a"}
  },
  "network": {
    "localIp": "10.5.99.2",
    "interface": "ens3",
    "nodeId": 2,
    "federationSubnet": "10.0.0.0/16",
    "vxlanIdPool": {"start": 200, "end": 210}
  }
}`
