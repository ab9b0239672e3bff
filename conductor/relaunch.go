package conductor

import (
	metrics "github.com/armon/go-metrics"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/logging"
)

// shouldRelaunch decides whether a transition warrants relaunching the node.
// The checks short-circuit in a fixed order: the transition and the node
// must both permit relaunch at all, a fatal error is never relaunched, an
// OOM kill is relaunched with a memory bump while the node stays under the
// memory ceiling and inside its budget, and any other non-killed exit is
// relaunched while the budget lasts. Nodes the cluster killed (evictions,
// preemptions) are always relaunched.
//
// On a positive verdict the node's relaunch counter is bumped before
// returning. Must be called with the node manager lock held.
func (m *NodeManager) shouldRelaunch(node *structs.Node, flow *NodeStateFlow) bool {
	should := flow.ShouldRelaunch && m.relaunchEnabled && node.Relaunchable

	if should {
		switch {
		case node.ExitReason == structs.NodeExitReasonFatalError:
			should = false

		case node.ExitReason == structs.NodeExitReasonOOM:
			mem := node.UsedResource.MemoryMB
			if mem > structs.MaxMemoryMB {
				should = false
				logging.Warning("core/relaunch: node %s used %v MB which is "+
					"beyond the limit %v MB, not relaunching", node.Name, mem,
					structs.MaxMemoryMB)
			} else if node.RelaunchCount >= node.MaxRelaunchCount {
				should = false
				logging.Warning("core/relaunch: the relaunch count %v of node "+
					"%s is beyond the maximum %v", node.RelaunchCount, node.Name,
					node.MaxRelaunchCount)
			} else {
				node.IsRecoveredOOM = true
			}

		case node.ExitReason != structs.NodeExitReasonKilled:
			if node.RelaunchCount > node.MaxRelaunchCount {
				logging.Warning("core/relaunch: the relaunch budget of node %s "+
					"has been exhausted", node.Name)
				should = false
			}
		}
	}

	if should {
		node.IncRelaunchCount()
		metrics.IncrCounter([]string{"node", "relaunch", node.Type}, 1)
	}

	return should
}
