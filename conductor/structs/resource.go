package structs

// NodeGroupResource is the per-role group descriptor consumed when the job
// node index is first populated.
type NodeGroupResource struct {
	// Count is the number of nodes the group starts with.
	Count int

	// Resource is the per-node resource request.
	Resource NodeResource

	// Priority is the scheduling priority applied to every node in the
	// group.
	Priority string
}

// JobResourceConfig describes the node groups that make up a training job.
type JobResourceConfig struct {
	groups map[string]*NodeGroupResource
}

// NewJobResourceConfig returns an empty job resource configuration.
func NewJobResourceConfig() *JobResourceConfig {
	return &JobResourceConfig{
		groups: make(map[string]*NodeGroupResource),
	}
}

// AddNodeGroupResource registers the group descriptor for a node type,
// replacing any previous descriptor.
func (j *JobResourceConfig) AddNodeGroupResource(nodeType string, count int,
	resource NodeResource, priority string) {

	j.groups[nodeType] = &NodeGroupResource{
		Count:    count,
		Resource: resource,
		Priority: priority,
	}
}

// GroupResource returns the descriptor for a node type, or nil when the job
// has no such group.
func (j *JobResourceConfig) GroupResource(nodeType string) *NodeGroupResource {
	return j.groups[nodeType]
}

// InitJobNodes builds the initial node index from the group descriptors.
// Chief, worker and evaluator nodes receive the configured worker relaunch
// budget;
// every node starts in the initial status.
func (j *JobResourceConfig) InitJobNodes(relaunchOnWorkerFailure int) map[string]map[int]*Node {
	jobNodes := make(map[string]map[int]*Node)

	for _, nodeType := range NodeTypes {
		group, ok := j.groups[nodeType]
		nodes := make(map[int]*Node)
		if ok {
			maxRelaunch := 0
			if nodeType == NodeTypeWorker || nodeType == NodeTypeEvaluator ||
				nodeType == NodeTypeChief {
				maxRelaunch = relaunchOnWorkerFailure
			}
			for i := 0; i < group.Count; i++ {
				nodes[i] = NewNode(nodeType, i, maxRelaunch, group.Priority)
			}
		}
		jobNodes[nodeType] = nodes
	}

	return jobNodes
}
