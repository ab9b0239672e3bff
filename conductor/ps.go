package conductor

import (
	"sort"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/logging"
)

// psManager owns the parameter server group. On top of the shared group
// contract it keeps two cluster views: the cluster the training processes
// are currently wired to, and the proposal they will migrate to once every
// member of the proposal is running.
type psManager struct {
	*trainingNodeGroup

	// trainingPSCluster holds the ids of the parameter servers the training
	// processes currently address.
	trainingPSCluster []int

	// nextPSCluster is the pending proposal, empty when no migration is in
	// flight.
	nextPSCluster []int

	// deletedPSIDs tracks parameter servers that were deleted and are
	// waiting for their relaunch to be observed.
	deletedPSIDs []int
}

func newPSManager(jobResource *structs.JobResourceConfig,
	elasticJob structs.ElasticJob) *psManager {

	return &psManager{
		trainingNodeGroup: newTrainingNodeGroup(structs.NodeTypePS, jobResource, elasticJob),
	}
}

// UpdateNodes replaces the owned view and resets the training cluster to
// the full initial membership.
func (p *psManager) UpdateNodes(nodes map[int]*structs.Node) {
	p.trainingNodeGroup.UpdateNodes(nodes)

	p.trainingPSCluster = p.trainingPSCluster[:0]
	for id := range nodes {
		p.trainingPSCluster = append(p.trainingPSCluster, id)
	}
	sort.Ints(p.trainingPSCluster)
	p.nextPSCluster = nil
	p.deletedPSIDs = nil
}

// RemoveNode tombstones the parameter server and records its id in
// deletedPSIDs. A released parameter server is left out of every later
// cluster proposal.
func (p *psManager) RemoveNode(id int) (*structs.ResourcePlan, error) {
	plan, err := p.trainingNodeGroup.RemoveNode(id)
	if err != nil {
		return nil, err
	}

	p.deletedPSIDs = append(p.deletedPSIDs, id)
	return plan, nil
}

// TrainingPSCluster returns the addresses of the cluster the training
// processes are currently wired to.
func (p *psManager) TrainingPSCluster() []string {
	return p.clusterAddrs(p.trainingPSCluster)
}

// NextTrainingPSCluster computes and returns the addresses of the next
// cluster proposal: every parameter server that is neither released nor
// deleted. The
// proposal is retained so readiness can be judged against a stable
// membership.
func (p *psManager) NextTrainingPSCluster() []string {
	var next []int
	for id, node := range p.nodes {
		if node.IsReleased || node.Status == structs.NodeStatusDeleted {
			continue
		}
		next = append(next, id)
	}
	sort.Ints(next)
	p.nextPSCluster = next

	return p.clusterAddrs(next)
}

// ReadyForNewPSCluster reports whether every member of the pending proposal
// is running. When it is, the proposal is promoted to the training cluster.
func (p *psManager) ReadyForNewPSCluster() bool {
	if len(p.nextPSCluster) == 0 {
		return false
	}

	for _, id := range p.nextPSCluster {
		node, ok := p.nodes[id]
		if !ok || node.Status != structs.NodeStatusRunning {
			return false
		}
	}

	logging.Info("core/ps: promoting the next ps cluster %v to the training "+
		"cluster", p.nextPSCluster)
	p.trainingPSCluster = p.nextPSCluster
	p.nextPSCluster = nil
	p.deletedPSIDs = nil

	return true
}

// TrainingPSNodes returns the node records of the current training cluster.
func (p *psManager) TrainingPSNodes() []*structs.Node {
	var nodes []*structs.Node
	for _, id := range p.trainingPSCluster {
		if node, ok := p.nodes[id]; ok {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// AllPSRunning reports whether every live parameter server is running.
func (p *psManager) AllPSRunning() bool {
	for _, node := range p.nodes {
		if node.IsReleased {
			continue
		}
		if node.Status != structs.NodeStatusRunning {
			return false
		}
	}
	return true
}

func (p *psManager) clusterAddrs(ids []int) []string {
	addrs := make([]string, 0, len(ids))
	for _, id := range ids {
		addrs = append(addrs, p.elasticJob.NodeServiceAddr(structs.NodeTypePS, id))
	}
	return addrs
}
