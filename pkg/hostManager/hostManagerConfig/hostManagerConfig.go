package hostManagerConfig

import (
	"encoding/json"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/config"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/yaml"
)

const (
	EnvPrefix = "HOST_MANAGER_"

	Debug        = "debug"
	ConfigFile   = "config"
	ServerPort   = "server-port"
	DockerHost   = "docker-host"
	StartTimeout = "start-timeout"
	PullImages   = "pull-images"

	DefaultPort = 8090
)

type ServerConfig struct {
	Port      int                     `json:"port" yaml:"port"`
	RateLimit *config.RateLimitConfig `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
}

type HostManagerConfig struct {
	Debug  bool                                             `json:"debug" yaml:"debug"`
	Server *ServerConfig                                    `json:"server,omitempty" yaml:"server,omitempty"`
	Docker *workloadOrchestrator.WorkloadOrchestratorConfig `json:"docker,omitempty" yaml:"docker,omitempty"`
}

// Validate checks the config and fills in defaults
func (hc *HostManagerConfig) Validate() error {
	var allErrors field.ErrorList
	if hc.Server == nil {
		hc.Server = &ServerConfig{}
	}
	if hc.Server.Port == 0 {
		hc.Server.Port = DefaultPort
	} else if hc.Server.Port < 0 || hc.Server.Port > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("server", "port"), hc.Server.Port, "must be a valid port"))
	}
	if hc.Server.RateLimit != nil {
		allErrors = append(allErrors, hc.Server.RateLimit.Validate(field.NewPath("server", "rateLimit"))...)
	}

	if hc.Docker == nil {
		hc.Docker = workloadOrchestrator.DefaultWorkloadOrchestratorConfig()
	}
	if hc.Docker.StartTimeout == 0 {
		hc.Docker.StartTimeout = workloadOrchestrator.DefaultStartTimeout
	} else if hc.Docker.StartTimeout < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("docker", "startTimeout"), hc.Docker.StartTimeout.String(), "must not be negative"))
	}
	if hc.Docker.PollInterval == 0 {
		hc.Docker.PollInterval = workloadOrchestrator.DefaultPollInterval
	} else if hc.Docker.PollInterval < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("docker", "pollInterval"), hc.Docker.PollInterval.String(), "must not be negative"))
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// NewHostManagerConfig seeds a config from flags and environment variables bound through viper
func NewHostManagerConfig() *HostManagerConfig {
	return &HostManagerConfig{
		Debug: viper.GetBool(config.KebabToSnakeCase(Debug)),
		Server: &ServerConfig{
			Port: viper.GetInt(config.KebabToSnakeCase(ServerPort)),
		},
		Docker: &workloadOrchestrator.WorkloadOrchestratorConfig{
			DockerHost:        viper.GetString(config.KebabToSnakeCase(DockerHost)),
			StartTimeout:      viper.GetDuration(config.KebabToSnakeCase(StartTimeout)),
			PollInterval:      workloadOrchestrator.DefaultPollInterval,
			PullMissingImages: viper.GetBool(config.KebabToSnakeCase(PullImages)),
		},
	}
}

func NewHostManagerConfigFromYamlBytes(data []byte) (*HostManagerConfig, error) {
	var hc *HostManagerConfig
	if err := yaml.Unmarshal(data, &hc); err != nil {
		return nil, err
	}
	return hc, nil
}

func NewHostManagerConfigFromJsonBytes(data []byte) (*HostManagerConfig, error) {
	var hc *HostManagerConfig
	if err := json.Unmarshal(data, &hc); err != nil {
		return nil, err
	}
	return hc, nil
}
