package conductor

import (
	"github.com/elastic-core-engineering/conductor/conductor/structs"
)

// NodeStateFlow is one row of the node transition table. A transition is
// keyed by the status the node currently holds and the event type observed
// from the cluster; the target status disambiguates MODIFIED events which
// can carry several phases.
type NodeStateFlow struct {
	FromStatus string
	EventType  string
	ToStatus   string

	// ShouldRelaunch marks the transition as one the relaunch policy gets
	// to veto rather than an expected lifecycle step.
	ShouldRelaunch bool
}

// nodeStateFlows enumerates every transition the node manager acts on.
// Events that match no row are dropped by the caller.
var nodeStateFlows = []NodeStateFlow{
	{structs.NodeStatusInitial, structs.NodeEventAdded, structs.NodeStatusPending, false},
	{structs.NodeStatusInitial, structs.NodeEventAdded, structs.NodeStatusRunning, false},
	{structs.NodeStatusInitial, structs.NodeEventModified, structs.NodeStatusPending, false},
	{structs.NodeStatusInitial, structs.NodeEventModified, structs.NodeStatusRunning, false},
	{structs.NodeStatusInitial, structs.NodeEventModified, structs.NodeStatusSucceeded, false},
	{structs.NodeStatusInitial, structs.NodeEventModified, structs.NodeStatusFailed, true},
	{structs.NodeStatusPending, structs.NodeEventModified, structs.NodeStatusRunning, false},
	{structs.NodeStatusPending, structs.NodeEventModified, structs.NodeStatusSucceeded, false},
	{structs.NodeStatusPending, structs.NodeEventModified, structs.NodeStatusFailed, true},
	{structs.NodeStatusRunning, structs.NodeEventModified, structs.NodeStatusSucceeded, false},
	{structs.NodeStatusRunning, structs.NodeEventModified, structs.NodeStatusFailed, true},

	// A relaunched node reappears under the same id; the failed and deleted
	// statuses recover into the ordinary lifecycle.
	{structs.NodeStatusFailed, structs.NodeEventAdded, structs.NodeStatusPending, false},
	{structs.NodeStatusFailed, structs.NodeEventAdded, structs.NodeStatusRunning, false},
	{structs.NodeStatusFailed, structs.NodeEventModified, structs.NodeStatusPending, false},
	{structs.NodeStatusFailed, structs.NodeEventModified, structs.NodeStatusRunning, false},
	{structs.NodeStatusDeleted, structs.NodeEventAdded, structs.NodeStatusPending, false},
	{structs.NodeStatusDeleted, structs.NodeEventAdded, structs.NodeStatusRunning, false},
	{structs.NodeStatusDeleted, structs.NodeEventModified, structs.NodeStatusPending, false},
	{structs.NodeStatusDeleted, structs.NodeEventModified, structs.NodeStatusRunning, false},

	{structs.NodeStatusInitial, structs.NodeEventDeleted, structs.NodeStatusDeleted, true},
	{structs.NodeStatusPending, structs.NodeEventDeleted, structs.NodeStatusDeleted, true},
	{structs.NodeStatusRunning, structs.NodeEventDeleted, structs.NodeStatusDeleted, true},
	{structs.NodeStatusSucceeded, structs.NodeEventDeleted, structs.NodeStatusDeleted, false},
	{structs.NodeStatusFailed, structs.NodeEventDeleted, structs.NodeStatusDeleted, false},
}

// getNodeStateFlow resolves the transition for an observed event. The lookup
// is a pure function; a nil result tells the caller to ignore the event.
func getNodeStateFlow(oldStatus, eventType, newStatus string) *NodeStateFlow {
	// A deletion always targets the deleted status, whatever phase the
	// event snapshot happened to carry.
	if eventType == structs.NodeEventDeleted {
		newStatus = structs.NodeStatusDeleted
	}

	for i := range nodeStateFlows {
		flow := &nodeStateFlows[i]
		if flow.FromStatus == oldStatus &&
			flow.EventType == eventType &&
			flow.ToStatus == newStatus {
			return flow
		}
	}

	return nil
}
