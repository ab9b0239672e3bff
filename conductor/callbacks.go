package conductor

import (
	"github.com/google/uuid"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/logging"
)

// NodeEventCallback is the capability record a subscriber registers to be
// told about node transitions. Nil members are skipped during dispatch.
// Callbacks run synchronously on the event loop and must be prompt; a
// subscriber that needs to block hands the work to its own goroutine.
// Callbacks may read the cluster through the context but must not call back
// into mutating node manager operations, which would deadlock on the
// manager lock.
type NodeEventCallback struct {
	OnNodeStarted   func(node *structs.Node, ctx *ClusterContext)
	OnNodeSucceeded func(node *structs.Node, ctx *ClusterContext)
	OnNodeFailed    func(node *structs.Node, ctx *ClusterContext)
	OnNodeDeleted   func(node *structs.Node, ctx *ClusterContext)
}

// ClusterContext is the read-only capability handed to callback
// subscribers. It exposes the node index for queries and lets subscribers
// enqueue scaling plans without touching the manager's mutable surface.
type ClusterContext struct {
	manager *NodeManager
}

// NodeCounts returns a status -> count summary for the node type.
func (c *ClusterContext) NodeCounts(nodeType string) map[string]int {
	counts := make(map[string]int)
	for _, node := range c.manager.jobNodes[nodeType] {
		counts[node.Status]++
	}
	return counts
}

// JobUUID returns the identifier of the supervised job incarnation.
func (c *ClusterContext) JobUUID() string {
	return c.manager.jobUUID
}

// EnqueueScalePlan queues a resource plan for the job driver to pick up.
func (c *ClusterContext) EnqueueScalePlan(plan *structs.ResourcePlan) {
	if plan == nil || plan.Empty() {
		return
	}
	select {
	case c.manager.scalePlanCh <- plan:
	default:
		logging.Warning("core/callbacks: scale plan queue is full, dropping plan")
	}
}

// dispatchNodeEvent fans a transition out to every registered subscriber.
// The callback invoked is keyed by the transition target; deletions only
// notify when the node's prior status was neither failed nor succeeded, so
// a deletion right after a terminal result is silent. A node relaunched
// under the same id can notify a deletion again in its new incarnation. A
// subscriber that panics is logged and skipped; the remaining subscribers
// still run.
func (m *NodeManager) dispatchNodeEvent(flow *NodeStateFlow, node *structs.Node) {
	ctx := &ClusterContext{manager: m}

	for i := range m.nodeEventCallbacks {
		cb := &m.nodeEventCallbacks[i]

		var fn func(*structs.Node, *ClusterContext)
		switch {
		case flow.ToStatus == structs.NodeStatusRunning:
			fn = cb.OnNodeStarted
		case flow.ToStatus == structs.NodeStatusSucceeded:
			fn = cb.OnNodeSucceeded
		case flow.ToStatus == structs.NodeStatusFailed:
			fn = cb.OnNodeFailed
		case flow.ToStatus == structs.NodeStatusDeleted &&
			flow.FromStatus != structs.NodeStatusFailed &&
			flow.FromStatus != structs.NodeStatusSucceeded:
			fn = cb.OnNodeDeleted
		}

		if fn == nil {
			continue
		}

		m.invokeCallback(fn, node, ctx)
	}
}

// invokeCallback runs a single subscriber, containing any panic so the
// event loop and the remaining subscribers are unaffected.
func (m *NodeManager) invokeCallback(fn func(*structs.Node, *ClusterContext),
	node *structs.Node, ctx *ClusterContext) {

	defer func() {
		if r := recover(); r != nil {
			logging.Error("core/callbacks: a node event subscriber panicked "+
				"while handling node %s: %v", node.Name, r)
		}
	}()

	fn(node, ctx)
}

// NewFailureNotifyCallback bridges the callback registry to the configured
// notification backends. Critical nodes that fail with no relaunch budget
// left page the operator; everything else is left to the relaunch policy.
func NewFailureNotifyCallback(notification *structs.Notification, jobName string) NodeEventCallback {
	return NodeEventCallback{
		OnNodeFailed: func(node *structs.Node, ctx *ClusterContext) {
			if !node.Critical || node.RelaunchCount < node.MaxRelaunchCount {
				return
			}

			message := structs.FailureMessage{
				AlertUID:          uuid.NewString(),
				ClusterIdentifier: notification.ClusterIdentifier,
				JobName:           jobName,
				Reason:            "critical_node_failed",
				FailedResource:    node.Name,
			}

			for _, not := range notification.Notifiers {
				not.SendNotification(message)
			}
		},
	}
}
