package structs

import (
	"time"
)

// Node event types mirror the watch event types of the underlying cluster
// API.
const (
	NodeEventAdded    = "ADDED"
	NodeEventModified = "MODIFIED"
	NodeEventDeleted  = "DELETED"
)

// NodeSnapshot is the view of a single training node as reported by the
// cluster watcher. It carries no local bookkeeping; the node manager merges
// snapshots into its own node records.
type NodeSnapshot struct {
	Type       string
	ID         int
	Name       string
	Status     string
	ExitReason string
	CreateTime time.Time
	StartTime  time.Time
}

// NodeEvent is a single lifecycle event read from the cluster watch stream.
type NodeEvent struct {
	EventType string
	Node      NodeSnapshot
}

// NodeWatcher exposes the cluster-side view of the training job. The node
// manager is tolerant of both event loss and duplication: reconciliation
// against List covers loss and idempotent transitions cover duplication.
type NodeWatcher interface {
	// List returns a complete snapshot of all nodes the cluster currently
	// knows about for the job.
	List() ([]NodeSnapshot, error)

	// Watch returns a stream of incremental node events. The stream is
	// closed when the stop channel closes or the underlying watch drops;
	// in the latter case the caller is expected to restart the watch.
	Watch(stop <-chan struct{}) (<-chan NodeEvent, error)
}

// NodeLaunchSpec describes a single node the launcher should (re)create.
type NodeLaunchSpec struct {
	Type     string
	ID       int
	Resource NodeResource
	Priority string

	// BoostMemory asks the launcher to increase the memory request over the
	// previous incarnation, used when relaunching an OOM-killed node.
	BoostMemory bool
}

// ElasticJob exposes the launcher-side primitives of the training job.
type ElasticJob interface {
	// JobUUID returns a stable identifier for the current incarnation of
	// the job.
	JobUUID() (string, error)

	// NodeServiceAddr resolves the service address of a node.
	NodeServiceAddr(nodeType string, id int) string

	// NodeName returns the cluster name a node of the given type and id
	// will be scheduled under.
	NodeName(nodeType string, id int) string

	// LaunchNode schedules a node onto the cluster.
	LaunchNode(spec NodeLaunchSpec) error

	// RemoveNode tears down the named node.
	RemoveNode(name string) error
}

// ResourcePlan names the launch and teardown work handed to the launcher
// as the outcome of a scaling or removal decision.
type ResourcePlan struct {
	LaunchNodes  []NodeLaunchSpec
	RemovedNodes []string
}

// Merge folds the work of another plan into this one.
func (p *ResourcePlan) Merge(o *ResourcePlan) {
	if o == nil {
		return
	}
	p.LaunchNodes = append(p.LaunchNodes, o.LaunchNodes...)
	p.RemovedNodes = append(p.RemovedNodes, o.RemovedNodes...)
}

// Empty reports whether the plan contains no work.
func (p *ResourcePlan) Empty() bool {
	return len(p.LaunchNodes) == 0 && len(p.RemovedNodes) == 0
}
