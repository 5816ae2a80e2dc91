package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/config"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/hostManager/hostManagerConfig"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "hostManager",
	Short: "Serve VXLAN tunnels and federated workloads for a federation agent",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configFile string
var Config *hostManagerConfig.HostManagerConfig

func init() {
	cobra.OnInitialize(initConfigIfPresent)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, hostManagerConfig.ConfigFile, "", "config file path (yaml or json)")
	flags.Bool(hostManagerConfig.Debug, false, `"true" or "false"`)
	flags.Int(hostManagerConfig.ServerPort, hostManagerConfig.DefaultPort, "port of the host manager API")
	flags.String(hostManagerConfig.DockerHost, "", "docker daemon address, defaults to DOCKER_HOST")
	flags.Duration(hostManagerConfig.StartTimeout, 0, "how long a replica may take to start")
	flags.Bool(hostManagerConfig.PullImages, true, "pull images missing from the local daemon")
	flags.SetNormalizeFunc(config.NormalizeFlagNames)

	viper.SetEnvPrefix(hostManagerConfig.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	flags.VisitAll(func(f *pflag.Flag) {
		key := config.KebabToSnakeCase(f.Name)
		viper.BindPFlag(key, f) //nolint:errcheck
		viper.BindEnv(key)      //nolint:errcheck
	})

	rootCmd.AddCommand(runCmd)
}

func initConfigIfPresent() {
	if configFile == "" {
		configFile = viper.GetString(config.KebabToSnakeCase(hostManagerConfig.ConfigFile))
	}
	if configFile == "" {
		Config = hostManagerConfig.NewHostManagerConfig()
		return
	}
	fmt.Printf("Using config file: %s\n", configFile)
	data, err := os.ReadFile(configFile)
	if err != nil {
		panic(err)
	}
	var cfg *hostManagerConfig.HostManagerConfig
	if strings.EqualFold(filepath.Ext(configFile), ".json") {
		cfg, err = hostManagerConfig.NewHostManagerConfigFromJsonBytes(data)
	} else {
		cfg, err = hostManagerConfig.NewHostManagerConfigFromYamlBytes(data)
	}
	if err != nil {
		panic(err)
	}
	Config = cfg
}

// applyFlagOverrides lets explicitly set flags and environment variables win over the config file
func applyFlagOverrides(cfg *hostManagerConfig.HostManagerConfig) {
	key := func(name string) string { return config.KebabToSnakeCase(name) }
	if viper.IsSet(key(hostManagerConfig.Debug)) {
		cfg.Debug = viper.GetBool(key(hostManagerConfig.Debug))
	}
	if cfg.Server == nil {
		cfg.Server = &hostManagerConfig.ServerConfig{}
	}
	if rootCmd.PersistentFlags().Changed(hostManagerConfig.ServerPort) || os.Getenv(hostManagerConfig.EnvPrefix+"SERVER_PORT") != "" {
		cfg.Server.Port = viper.GetInt(key(hostManagerConfig.ServerPort))
	}
	if cfg.Docker == nil {
		return
	}
	if host := viper.GetString(key(hostManagerConfig.DockerHost)); host != "" {
		cfg.Docker.DockerHost = host
	}
	if timeout := viper.GetDuration(key(hostManagerConfig.StartTimeout)); timeout > 0 {
		cfg.Docker.StartTimeout = timeout
	}
}

func main() {
	Execute()
}
