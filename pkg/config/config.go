package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

type ChainId uint

const (
	ChainId_EthereumMainnet ChainId = 1
	ChainId_BesuDevnet      ChainId = 1337
	ChainId_AnvilDevnet     ChainId = 31337
)

var (
	SupportedChainIds = []ChainId{
		ChainId_EthereumMainnet,
		ChainId_BesuDevnet,
		ChainId_AnvilDevnet,
	}
)

const (
	Debug = "debug"
)

// KebabToSnakeCase converts a flag name into the key viper looks up in the environment.
func KebabToSnakeCase(str string) string {
	return strings.ReplaceAll(str, "-", "_")
}

func NormalizeFlagName(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}

// NormalizeFlagNames lets flags be given with either dashes or underscores.
func NormalizeFlagNames(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(NormalizeFlagName(name))
}

type StorageType string

const (
	StorageType_Memory StorageType = "memory"
	StorageType_Badger StorageType = "badger"
)

type BadgerConfig struct {
	// Dir is where badger keeps its files
	Dir string `json:"dir" yaml:"dir"`

	InMemory           bool  `json:"inMemory,omitempty" yaml:"inMemory,omitempty"`
	ValueLogFileSize   int64 `json:"valueLogFileSize,omitempty" yaml:"valueLogFileSize,omitempty"`
	NumVersionsToKeep  int   `json:"numVersionsToKeep,omitempty" yaml:"numVersionsToKeep,omitempty"`
	NumLevelZeroTables int   `json:"numLevelZeroTables,omitempty" yaml:"numLevelZeroTables,omitempty"`
}

type StorageConfig struct {
	Type         StorageType   `json:"type" yaml:"type"`
	BadgerConfig *BadgerConfig `json:"badger,omitempty" yaml:"badger,omitempty"`
}

func (sc *StorageConfig) Validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	switch sc.Type {
	case StorageType_Memory:
	case StorageType_Badger:
		if sc.BadgerConfig == nil {
			allErrors = append(allErrors, field.Required(path.Child("badger"), "badger config is required when storage type is badger"))
		} else if sc.BadgerConfig.Dir == "" && !sc.BadgerConfig.InMemory {
			allErrors = append(allErrors, field.Required(path.Child("badger", "dir"), "dir is required unless inMemory is set"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("type"), sc.Type, []string{string(StorageType_Memory), string(StorageType_Badger)}))
	}
	return allErrors
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	Burst             int     `json:"burst" yaml:"burst"`
}

func (r *RateLimitConfig) Validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	if r.RequestsPerSecond < 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("requestsPerSecond"), r.RequestsPerSecond, "must not be negative"))
	}
	if r.RequestsPerSecond > 0 && r.Burst <= 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("burst"), r.Burst, "must be positive when rate limiting is enabled"))
	}
	return allErrors
}

func ParseChainId(raw uint64) (ChainId, error) {
	for _, c := range SupportedChainIds {
		if uint64(c) == raw {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unsupported chain id %d", raw)
}
