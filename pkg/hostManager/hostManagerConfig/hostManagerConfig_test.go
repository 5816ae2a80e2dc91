package hostManagerConfig

import (
	"testing"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlValid = `
debug: true
server:
  port: 9000
  rateLimit:
    requestsPerSecond: 5
    burst: 10
docker:
  startTimeout: 45000000000
  pullMissingImages: false
`

const jsonValid = `{"server": {"port": 9001}}`

func Test_HostManagerConfig(t *testing.T) {
	t.Run("YAML", func(t *testing.T) {
		hc, err := NewHostManagerConfigFromYamlBytes([]byte(yamlValid))
		require.NoError(t, err)
		require.NoError(t, hc.Validate())

		assert.True(t, hc.Debug)
		assert.Equal(t, 9000, hc.Server.Port)
		assert.Equal(t, 5.0, hc.Server.RateLimit.RequestsPerSecond)
		assert.Equal(t, 45*time.Second, hc.Docker.StartTimeout)
		assert.False(t, hc.Docker.PullMissingImages)
		assert.NotZero(t, hc.Docker.PollInterval)
	})
	t.Run("JSON fills defaults", func(t *testing.T) {
		hc, err := NewHostManagerConfigFromJsonBytes([]byte(jsonValid))
		require.NoError(t, err)
		require.NoError(t, hc.Validate())

		assert.Equal(t, 9001, hc.Server.Port)
		assert.Nil(t, hc.Server.RateLimit)
		require.NotNil(t, hc.Docker)
		assert.True(t, hc.Docker.PullMissingImages)
		assert.Equal(t, workloadOrchestrator.DefaultStartTimeout, hc.Docker.StartTimeout)
	})
	t.Run("empty config gets the default port", func(t *testing.T) {
		hc := &HostManagerConfig{}
		require.NoError(t, hc.Validate())
		assert.Equal(t, DefaultPort, hc.Server.Port)
	})
	t.Run("invalid values", func(t *testing.T) {
		hc := &HostManagerConfig{
			Server: &ServerConfig{Port: 70000},
		}
		assert.ErrorContains(t, hc.Validate(), "server.port")

		hc, err := NewHostManagerConfigFromYamlBytes([]byte("server:\n  rateLimit:\n    requestsPerSecond: 2\n"))
		require.NoError(t, err)
		assert.ErrorContains(t, hc.Validate(), "server.rateLimit.burst")
	})
	t.Run("malformed yaml", func(t *testing.T) {
		_, err := NewHostManagerConfigFromYamlBytes([]byte("server: [1, 2"))
		assert.Error(t, err)
	})
}
