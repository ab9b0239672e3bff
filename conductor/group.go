package conductor

import (
	"fmt"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/helper"
	"github.com/elastic-core-engineering/conductor/logging"
)

// trainingNodeGroup owns the node map of a single role and the aggregate
// queries across it. The four role managers share this container and extend
// it by composition. Mutating calls are made by the node manager while it
// holds its lock; the group performs no locking of its own.
type trainingNodeGroup struct {
	nodeType    string
	nodes       map[int]*structs.Node
	jobResource *structs.JobResourceConfig
	elasticJob  structs.ElasticJob
}

func newTrainingNodeGroup(nodeType string, jobResource *structs.JobResourceConfig,
	elasticJob structs.ElasticJob) *trainingNodeGroup {

	return &trainingNodeGroup{
		nodeType:    nodeType,
		nodes:       make(map[int]*structs.Node),
		jobResource: jobResource,
		elasticJob:  elasticJob,
	}
}

// UpdateNodes replaces the owned node view after the job index has been
// (re)initialized.
func (g *trainingNodeGroup) UpdateNodes(nodes map[int]*structs.Node) {
	g.nodes = nodes
}

// RemoveNode tombstones a node and emits the plan naming the cluster
// resources the launcher must tear down.
func (g *trainingNodeGroup) RemoveNode(id int) (*structs.ResourcePlan, error) {
	node, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("the %s group has no node with id %v", g.nodeType, id)
	}

	node.Critical = false
	node.Relaunchable = false
	node.IsReleased = true
	node.UpdateStatus(structs.NodeStatusDeleted)

	name := node.Name
	if name == "" {
		name = g.elasticJob.NodeName(g.nodeType, id)
	}

	plan := &structs.ResourcePlan{RemovedNodes: []string{name}}
	return plan, nil
}

// RelaunchNode builds the launch plan for a node the relaunch policy
// approved and hands it to the launcher. A node recovered from an OOM kill
// asks the launcher to boost its memory request.
func (g *trainingNodeGroup) RelaunchNode(node *structs.Node) (*structs.ResourcePlan, error) {
	spec := structs.NodeLaunchSpec{
		Type:        g.nodeType,
		ID:          node.ID,
		Priority:    node.Priority,
		BoostMemory: node.IsRecoveredOOM,
	}
	if group := g.jobResource.GroupResource(g.nodeType); group != nil {
		spec.Resource = group.Resource
		if spec.BoostMemory {
			// Double the request but never propose past the node ceiling.
			spec.Resource.MemoryMB = int(helper.Min(
				float64(group.Resource.MemoryMB*2),
				float64(structs.MaxMemoryMB),
			))
		}
	}

	logging.Info("core/group: relaunching %s node %v as %s", g.nodeType,
		node.ID, g.elasticJob.NodeName(g.nodeType, node.ID))

	if err := g.elasticJob.LaunchNode(spec); err != nil {
		return nil, err
	}

	return &structs.ResourcePlan{LaunchNodes: []structs.NodeLaunchSpec{spec}}, nil
}

// AllNodesExited reports whether no node in the group is still live. A
// group with zero nodes reports exited.
func (g *trainingNodeGroup) AllNodesExited() bool {
	for _, node := range g.nodes {
		if node.IsReleased {
			continue
		}
		switch node.Status {
		case structs.NodeStatusSucceeded, structs.NodeStatusFailed,
			structs.NodeStatusDeleted:
		default:
			return false
		}
	}
	return true
}

// AllNodesFailed reports whether every node in the group has failed. A
// group with zero nodes reports failed.
func (g *trainingNodeGroup) AllNodesFailed() bool {
	for _, node := range g.nodes {
		if node.Status != structs.NodeStatusFailed {
			return false
		}
	}
	return true
}

// AllNodesDeleted reports whether every node in the group has been deleted.
// A group with zero nodes reports deleted.
func (g *trainingNodeGroup) AllNodesDeleted() bool {
	for _, node := range g.nodes {
		if node.Status != structs.NodeStatusDeleted {
			return false
		}
	}
	return true
}

// RunningNodes returns a snapshot of the nodes currently in the running
// status.
func (g *trainingNodeGroup) RunningNodes() []*structs.Node {
	var running []*structs.Node
	for _, node := range g.nodes {
		if node.Status == structs.NodeStatusRunning {
			running = append(running, node)
		}
	}
	return running
}
