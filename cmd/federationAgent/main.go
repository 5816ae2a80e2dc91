package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/agentConfig"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "federationAgent",
	Short: "Federate services between MEC domains over a shared ledger",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configFile string
var Config *agentConfig.AgentConfig

func init() {
	cobra.OnInitialize(initConfigIfPresent)

	rootCmd.PersistentFlags().StringVar(&configFile, agentConfig.ConfigFile, "", "config file path (yaml or json)")
	rootCmd.PersistentFlags().Bool(agentConfig.Debug, false, `"true" or "false"`)
	rootCmd.PersistentFlags().Int(agentConfig.ServerPort, 0, "port of the agent API, overrides the config file")
	rootCmd.PersistentFlags().SetNormalizeFunc(config.NormalizeFlagNames)

	viper.SetEnvPrefix(agentConfig.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		key := config.KebabToSnakeCase(f.Name)
		viper.BindPFlag(key, f) //nolint:errcheck
		viper.BindEnv(key)      //nolint:errcheck
	})

	rootCmd.AddCommand(runCmd)
}

func initConfigIfPresent() {
	if configFile == "" {
		configFile = viper.GetString(config.KebabToSnakeCase(agentConfig.ConfigFile))
	}
	if configFile == "" {
		Config = agentConfig.NewAgentConfig()
		return
	}
	fmt.Printf("Using config file: %s\n", configFile)
	data, err := os.ReadFile(configFile)
	if err != nil {
		panic(err)
	}
	var cfg *agentConfig.AgentConfig
	if strings.EqualFold(filepath.Ext(configFile), ".json") {
		cfg, err = agentConfig.NewAgentConfigFromJsonBytes(data)
	} else {
		cfg, err = agentConfig.NewAgentConfigFromYamlBytes(data)
	}
	if err != nil {
		panic(err)
	}
	Config = cfg
}

func main() {
	Execute()
}
