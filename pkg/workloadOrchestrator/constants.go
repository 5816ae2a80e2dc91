package workloadOrchestrator

import "time"

// Default timeouts and intervals
const (
	DefaultStartTimeout = 30 * time.Second
	DefaultStopTimeout  = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// Labels put on every container the orchestrator creates
const (
	LabelWorkload = "mef.workload"
	LabelReplica  = "mef.replica"
)

// Docker API constants
const (
	DockerNetworkBridge = "bridge"
	DockerNetworkHost   = "host"
	DockerNetworkNone   = "none"

	BridgeNamePrefix = "br-"
)
