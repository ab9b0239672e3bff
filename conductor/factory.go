package conductor

import (
	"fmt"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/logging"
)

// CreateNodeManager derives the job-level knobs the coordinator needs from
// the agent configuration and builds it. Workers only carry a relaunch
// budget, and are only marked critical, under the parameter server and
// custom distribution strategies; any other strategy leaves worker failures
// to the data plane.
func CreateNodeManager(config *structs.Config) (*NodeManager, error) {
	if config.ElasticJob == nil || config.NodeWatcher == nil {
		return nil, fmt.Errorf("core/factory: the cluster adapters must be " +
			"initialized before the node manager is created")
	}

	switch config.DistributionStrategy {
	case structs.DistributionStrategyParameterServer, structs.DistributionStrategyCustom:
		config.CriticalWorkerIndex = criticalWorkerIndex(config)
	default:
		if config.RelaunchOnWorkerFailure != 0 {
			logging.Info("core/factory: distribution strategy %q does not "+
				"relaunch workers, ignoring the configured worker relaunch "+
				"budget", config.DistributionStrategy)
		}
		config.RelaunchOnWorkerFailure = 0
		config.CriticalWorkerIndex = nil
	}

	// A custom strategy cannot exit while relaunches are still pending.
	config.WaitPendingRelaunch = config.WaitPendingRelaunch ||
		config.DistributionStrategy == structs.DistributionStrategyCustom

	jobResource := structs.NewJobResourceConfig()
	for nodeType, group := range config.JobResource {
		if group == nil || group.Count <= 0 {
			continue
		}

		priority := group.Priority
		if nodeType == structs.NodeTypeEvaluator && priority != "low" {
			// Evaluators run at high priority unless explicitly demoted to
			// low.
			priority = "high"
		}

		jobResource.AddNodeGroupResource(nodeType, group.Count,
			structs.NodeResource{CPU: group.CPU, MemoryMB: group.MemoryMB},
			priority)
	}

	return NewNodeManager(config, jobResource), nil
}

// criticalWorkerIndex maps the worker ids that gate job completion to their
// relaunch budget. Under the parameter server strategy only worker zero is
// critical; a custom strategy treats every worker as critical.
func criticalWorkerIndex(config *structs.Config) map[int]int {
	index := make(map[int]int)

	workers := 0
	if group, ok := config.JobResource[structs.NodeTypeWorker]; ok && group != nil {
		workers = group.Count
	}
	if workers == 0 {
		return index
	}

	switch config.DistributionStrategy {
	case structs.DistributionStrategyParameterServer:
		index[0] = config.RelaunchOnWorkerFailure
	case structs.DistributionStrategyCustom:
		for i := 0; i < workers; i++ {
			index[i] = config.RelaunchOnWorkerFailure
		}
	}

	return index
}
