package conductor

import (
	"fmt"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/dariubs/percent"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/helper"
	"github.com/elastic-core-engineering/conductor/logging"
)

// watchRetryInterval is how long the monitor loop backs off after the watch
// stream drops before relisting and restarting the watch.
const watchRetryInterval = 30 * time.Second

// NodeManager is the coordinator that owns every role group of a training
// job. It ingests lifecycle events from the cluster watcher, drives the
// node state machine, fans transitions out to subscribers and decides when
// a node must be relaunched. There is exactly one NodeManager per job,
// owned by the job driver.
type NodeManager struct {
	config      *structs.Config
	jobResource *structs.JobResourceConfig

	relaunchOnWorkerFailure int
	psRelaunchMaxNum        int
	psIsCritical            bool
	criticalWorkerIndex     map[int]int
	waitPendingRelaunch     bool
	useDDP                  bool

	elasticJob  structs.ElasticJob
	nodeWatcher structs.NodeWatcher

	// lock guards the node index, every node state transition and the
	// counters below. Aggregate queries take it for a single pass.
	lock                 sync.Mutex
	jobNodes             map[string]map[int]*structs.Node
	jobUUID              string
	relaunchEnabled      bool
	pendingRelaunchCount int
	nodeEventCallbacks   []NodeEventCallback
	lastRunningNames     []string

	psManager        *psManager
	chiefManager     *chiefManager
	workerManager    *workerManager
	evaluatorManager *evaluatorManager

	scalePlanCh chan *structs.ResourcePlan

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewNodeManager builds the coordinator for a job. The relaunch budgets are
// clamped to the implementation ceiling before any node is created.
func NewNodeManager(config *structs.Config, jobResource *structs.JobResourceConfig) *NodeManager {
	m := &NodeManager{
		config:                  config,
		jobResource:             jobResource,
		relaunchOnWorkerFailure: clampRelaunch(config.RelaunchOnWorkerFailure),
		psRelaunchMaxNum:        clampRelaunch(config.PSRelaunchMaxNum),
		psIsCritical:            config.PSIsCritical,
		criticalWorkerIndex:     config.CriticalWorkerIndex,
		waitPendingRelaunch:     config.WaitPendingRelaunch,
		useDDP:                  config.UseDDP,
		elasticJob:              config.ElasticJob,
		nodeWatcher:             config.NodeWatcher,
		jobNodes:                make(map[string]map[int]*structs.Node),
		scalePlanCh:             make(chan *structs.ResourcePlan, 8),
		stopCh:                  make(chan struct{}),
	}

	m.psManager = newPSManager(jobResource, m.elasticJob)
	m.chiefManager = newChiefManager(jobResource, m.elasticJob)
	m.workerManager = newWorkerManager(jobResource, m.elasticJob)
	m.evaluatorManager = newEvaluatorManager(jobResource, m.elasticJob)

	return m
}

func clampRelaunch(count int) int {
	if count > structs.MaxNodeRelaunchCount {
		return structs.MaxNodeRelaunchCount
	}
	return count
}

// Start obtains the job identity from the launcher, populates the node
// index and spawns the monitor loop.
func (m *NodeManager) Start() error {
	uuid, err := m.elasticJob.JobUUID()
	if err != nil {
		return fmt.Errorf("core/node_manager: unable to obtain the job uuid: %v", err)
	}

	m.lock.Lock()
	m.jobUUID = uuid
	m.initJobNodes()
	m.lock.Unlock()

	go m.monitorNodes()

	logging.Info("core/node_manager: supervising job %s with uuid %s",
		m.config.JobName, uuid)
	return nil
}

// initJobNodes populates the index from the group descriptors and hands
// each role manager its view. Must be called with the lock held.
func (m *NodeManager) initJobNodes() {
	m.jobNodes = m.jobResource.InitJobNodes(m.relaunchOnWorkerFailure)
	m.setCriticalNodes()

	m.psManager.UpdateNodes(m.jobNodes[structs.NodeTypePS])
	m.chiefManager.UpdateNodes(m.jobNodes[structs.NodeTypeChief])
	m.workerManager.UpdateNodes(m.jobNodes[structs.NodeTypeWorker])
	m.evaluatorManager.UpdateNodes(m.jobNodes[structs.NodeTypeEvaluator])

	m.relaunchEnabled = true
	m.pendingRelaunchCount = 0
}

// setCriticalNodes marks the nodes whose failure gates job completion.
// Parameter servers are critical when the job says so, the chief is always
// critical, and workers are critical per the configured index map. Critical
// nodes are guaranteed a relaunch budget of at least one.
func (m *NodeManager) setCriticalNodes() {
	if m.psIsCritical {
		for _, node := range m.jobNodes[structs.NodeTypePS] {
			node.Critical = true
			node.MaxRelaunchCount = m.psRelaunchMaxNum
		}
	}

	for id, maxRelaunch := range m.criticalWorkerIndex {
		if node, ok := m.jobNodes[structs.NodeTypeWorker][id]; ok {
			node.Critical = true
			node.MaxRelaunchCount = clampRelaunch(maxRelaunch)
		}
	}

	for _, node := range m.jobNodes[structs.NodeTypeChief] {
		node.Critical = true
	}

	for _, nodes := range m.jobNodes {
		for _, node := range nodes {
			if node.Critical && node.MaxRelaunchCount < 1 {
				node.MaxRelaunchCount = 1
			}
		}
	}
}

// Stop disables relaunching, tombstones every node and asks the monitor
// loop to exit at its next stream boundary. No callback fires for any event
// processed after Stop returns.
func (m *NodeManager) Stop() {
	m.lock.Lock()
	m.relaunchEnabled = false
	for _, nodes := range m.jobNodes {
		for _, node := range nodes {
			node.Critical = false
			node.IsReleased = true
		}
	}
	m.lock.Unlock()

	m.stopOnce.Do(func() { close(m.stopCh) })
	logging.Info("core/node_manager: stop requested, no further relaunches "+
		"will be dispatched for job %s", m.config.JobName)
}

// PauseRelaunches suspends relaunch dispatch without touching the node
// index. Used when the agent loses the leadership lock: events keep being
// ingested so the model stays current, but only the leader may relaunch.
func (m *NodeManager) PauseRelaunches() {
	m.lock.Lock()
	m.relaunchEnabled = false
	m.lock.Unlock()
}

// ResumeRelaunches re-enables relaunch dispatch after a leadership
// reacquisition. A manager that has been stopped stays stopped.
func (m *NodeManager) ResumeRelaunches() {
	select {
	case <-m.stopCh:
		return
	default:
	}

	m.lock.Lock()
	m.relaunchEnabled = true
	m.lock.Unlock()
}

// AddNodeEventCallback registers a subscriber for node transitions.
// Subscribers registered after Start may miss earlier transitions.
func (m *NodeManager) AddNodeEventCallback(cb NodeEventCallback) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.nodeEventCallbacks = append(m.nodeEventCallbacks, cb)
}

// ScalePlans exposes the queue of plans enqueued by callback subscribers.
func (m *NodeManager) ScalePlans() <-chan *structs.ResourcePlan {
	return m.scalePlanCh
}

// JobUUID returns the identifier of the supervised job incarnation.
func (m *NodeManager) JobUUID() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.jobUUID
}

// monitorNodes runs the cooperative watch loop: list, reconcile, then drain
// the watch stream until it drops or the manager stops. Errors are never
// fatal; the loop backs off and restarts with a fresh list so any missed
// event is recovered.
func (m *NodeManager) monitorNodes() {
	for {
		select {
		case <-m.stopCh:
			logging.Info("core/node_manager: stop processing node events")
			return
		default:
		}

		snapshot, err := m.nodeWatcher.List()
		if err != nil {
			logging.Warning("core/node_manager: failed to list nodes: %v", err)
			time.Sleep(watchRetryInterval)
			continue
		}
		m.reconcile(snapshot)

		events, err := m.nodeWatcher.Watch(m.stopCh)
		if err != nil {
			logging.Warning("core/node_manager: failed to start the node "+
				"watch: %v", err)
			time.Sleep(watchRetryInterval)
			continue
		}

		for event := range events {
			select {
			case <-m.stopCh:
				logging.Info("core/node_manager: stop processing node events")
				return
			default:
			}

			if err := m.ProcessEvent(event); err != nil {
				logging.Warning("core/node_manager: %v", err)
			}
		}

		select {
		case <-m.stopCh:
			logging.Info("core/node_manager: stop processing node events")
			return
		default:
			logging.Warning("core/node_manager: the node watch stream " +
				"dropped, restarting the monitor")
			time.Sleep(watchRetryInterval)
		}
	}
}

// reconcile re-derives node state from a complete cluster snapshot to mask
// events lost by the watch stream. Each listed node is replayed as a
// synthetic event, which is safe because transitions are a pure function of
// the old status and the event. Nodes the index knows but the cluster no
// longer reports are tombstoned without a callback; they disappeared
// without ever being observed.
func (m *NodeManager) reconcile(snapshot []structs.NodeSnapshot) {
	defer metrics.MeasureSince([]string{"node", "reconcile"}, time.Now())

	existNodes := make(map[string]map[int]bool)
	for nodeType := range m.jobNodes {
		existNodes[nodeType] = make(map[int]bool)
	}

	for _, snap := range snapshot {
		if byType, ok := existNodes[snap.Type]; ok {
			byType[snap.ID] = true
		}

		eventType := structs.NodeEventModified
		if snap.Status == structs.NodeStatusDeleted {
			eventType = structs.NodeEventDeleted
		}
		event := structs.NodeEvent{EventType: eventType, Node: snap}
		if err := m.ProcessEvent(event); err != nil {
			logging.Warning("core/node_manager: %v", err)
		}
	}

	m.lock.Lock()
	for nodeType, nodes := range m.jobNodes {
		for id, node := range nodes {
			if node.Status != structs.NodeStatusInitial &&
				!node.IsReleased && !existNodes[nodeType][id] {
				logging.Info("core/node_manager: node %s %v is deleted "+
					"without the event", nodeType, id)
				node.IsReleased = true
			}
		}
	}
	m.lock.Unlock()

	m.logRunningSetChange()
}

// logRunningSetChange reports the healthy node membership whenever it has
// changed since the previous reconcile pass.
func (m *NodeManager) logRunningSetChange() {
	m.lock.Lock()
	defer m.lock.Unlock()

	var names []string
	for _, node := range m.runningNodesLocked() {
		names = append(names, node.Name)
	}

	changed, err := helper.HasObjectChanged(m.lastRunningNames, names)
	if err != nil {
		logging.Error("core/node_manager: unable to determine if the running "+
			"set has changed: %v", err)
		return
	}
	if changed {
		logging.Info("core/node_manager: job %s has %v running nodes: %v",
			m.config.JobName, len(names), names)
		m.lastRunningNames = names
	}
}

// ProcessEvent ingests one lifecycle event. Unknown nodes are reported as
// discardable errors; events that match no transition row are a normal
// no-op. On a matched transition the node is updated under the lock,
// subscribers are dispatched, the relaunch policy is consulted, and any
// approved relaunch is handed off outside the lock.
func (m *NodeManager) ProcessEvent(event structs.NodeEvent) error {
	nodeType := event.Node.Type
	nodeID := event.Node.ID

	m.lock.Lock()

	nodes, ok := m.jobNodes[nodeType]
	if !ok {
		m.lock.Unlock()
		return fmt.Errorf("unknown node type %q in event", nodeType)
	}
	cur, ok := nodes[nodeID]
	if !ok {
		m.lock.Unlock()
		return fmt.Errorf("no %s node with id %v in the job index", nodeType, nodeID)
	}
	if cur.IsReleased {
		m.lock.Unlock()
		return nil
	}

	cur.UpdateInfo(event.Node.Name, event.Node.CreateTime, event.Node.StartTime)

	flow := getNodeStateFlow(cur.Status, event.EventType, event.Node.Status)
	if flow == nil || flow.FromStatus == structs.NodeStatusSucceeded {
		m.lock.Unlock()
		return nil
	}

	oldStatus := cur.Status
	cur.UpdateStatus(flow.ToStatus)
	cur.SetExitReason(event.Node.ExitReason)
	metrics.IncrCounter([]string{"node", "transition", flow.ToStatus}, 1)

	// A relaunched node reappearing as pending or running settles one
	// pending relaunch.
	if m.waitPendingRelaunch && m.pendingRelaunchCount > 0 &&
		cur.RelaunchCount > 0 &&
		(flow.ToStatus == structs.NodeStatusPending ||
			flow.ToStatus == structs.NodeStatusRunning) {
		m.pendingRelaunchCount--
	}

	m.dispatchNodeEvent(flow, cur)

	shouldRelaunch := m.shouldRelaunch(cur, flow)
	if shouldRelaunch && m.waitPendingRelaunch {
		m.pendingRelaunchCount++
	}

	psBecameRunning := nodeType == structs.NodeTypePS &&
		flow.ToStatus == structs.NodeStatusRunning

	m.lock.Unlock()

	logging.Info("core/node_manager: %s status change %s to %s by event %s",
		cur.Name, oldStatus, flow.ToStatus, event.EventType)

	// The relaunch hand-off performs launcher I/O and must not run under
	// the lock.
	if shouldRelaunch {
		m.relaunchTypedNode(cur)
	}
	if psBecameRunning {
		m.launchWaitingWorkers()
	}

	return nil
}

// relaunchTypedNode hands a relaunch decision to the owning role group. A
// worker relaunch is deferred while the parameter server cluster is not
// fully running. Launch failures are logged and the node is left in its
// transition state; a later list snapshot reconciles it.
func (m *NodeManager) relaunchTypedNode(node *structs.Node) {
	var err error

	switch node.Type {
	case structs.NodeTypePS:
		_, err = m.psManager.RelaunchNode(node)
	case structs.NodeTypeChief:
		_, err = m.chiefManager.RelaunchNode(node)
	case structs.NodeTypeWorker:
		m.lock.Lock()
		psReady := m.psManager.AllPSRunning()
		if !psReady {
			m.workerManager.AddWaitingWorker(node.ID)
			logging.Info("core/node_manager: deferring relaunch of worker %v "+
				"until all parameter servers are running", node.ID)
		}
		m.lock.Unlock()
		if psReady {
			_, err = m.workerManager.RelaunchNode(node)
		}
	case structs.NodeTypeEvaluator:
		_, err = m.evaluatorManager.RelaunchNode(node)
	}

	if err != nil {
		logging.Error("core/node_manager: failed to relaunch %s node %v: %v",
			node.Type, node.ID, err)
	}
}

// launchWaitingWorkers relaunches the workers that were held back waiting
// for the parameter server cluster, once every parameter server runs.
func (m *NodeManager) launchWaitingWorkers() {
	m.lock.Lock()
	if !m.psManager.AllPSRunning() {
		m.lock.Unlock()
		return
	}
	waiting := m.workerManager.TakeWaitingWorkers()
	launch := make([]*structs.Node, 0, len(waiting))
	for _, id := range waiting {
		if node, ok := m.jobNodes[structs.NodeTypeWorker][id]; ok {
			launch = append(launch, node)
		}
	}
	m.lock.Unlock()

	for _, node := range launch {
		if _, err := m.workerManager.RelaunchNode(node); err != nil {
			logging.Error("core/node_manager: failed to launch waiting worker "+
				"%v: %v", node.ID, err)
		}
	}
}

// RemoveWorker tombstones a non-critical worker and tears its cluster
// resources down. Critical workers are logged and left untouched.
func (m *NodeManager) RemoveWorker(workerID int) error {
	m.lock.Lock()
	node, ok := m.jobNodes[structs.NodeTypeWorker][workerID]
	if !ok {
		m.lock.Unlock()
		return fmt.Errorf("no worker with id %v in the job index", workerID)
	}
	if node.Critical {
		m.lock.Unlock()
		logging.Info("core/node_manager: skip removing the critical worker %v",
			workerID)
		return nil
	}

	plan, err := m.workerManager.RemoveNode(workerID)
	m.lock.Unlock()
	if err != nil {
		return err
	}

	logging.Info("core/node_manager: removing worker %v, plan %v", workerID,
		plan.RemovedNodes)
	return m.executeRemovalPlan(plan)
}

// executeRemovalPlan tears down every node the plan names, aggregating any
// launcher failures.
func (m *NodeManager) executeRemovalPlan(plan *structs.ResourcePlan) error {
	var result *multierror.Error
	for _, name := range plan.RemovedNodes {
		if err := m.elasticJob.RemoveNode(name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// UpdateNodeResourceUsage refreshes the advisory resource counters of a
// node. The counters are never observed by the state machine, so this does
// not take the coordinator lock.
func (m *NodeManager) UpdateNodeResourceUsage(nodeType string, nodeID int,
	cpu float64, memoryMB int) error {

	node, ok := m.jobNodes[nodeType][nodeID]
	if !ok {
		return fmt.Errorf("no %s node with id %v in the job index", nodeType, nodeID)
	}

	node.UpdateResourceUsage(cpu, memoryMB)
	metrics.SetGauge([]string{"node", "memory_percent", nodeType},
		float32(percent.PercentOf(memoryMB, structs.MaxMemoryMB)))
	return nil
}

// AllWorkersExited reports whether every chief, worker and evaluator has
// left the cluster.
func (m *NodeManager) AllWorkersExited() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.chiefManager.AllNodesExited() &&
		m.workerManager.AllNodesExited() &&
		m.evaluatorManager.AllNodesExited()
}

// AllWorkersFailed reports whether every chief, worker and evaluator has
// failed.
func (m *NodeManager) AllWorkersFailed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.chiefManager.AllNodesFailed() &&
		m.workerManager.AllNodesFailed() &&
		m.evaluatorManager.AllNodesFailed()
}

// AllWorkersDeleted reports whether every chief, worker and evaluator has
// been deleted.
func (m *NodeManager) AllWorkersDeleted() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.chiefManager.AllNodesDeleted() &&
		m.workerManager.AllNodesDeleted() &&
		m.evaluatorManager.AllNodesDeleted()
}

// AllCriticalNodesCompleted reports whether no critical node remains live.
func (m *NodeManager) AllCriticalNodesCompleted() bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	var alive []int
	for _, nodes := range m.jobNodes {
		for id, node := range nodes {
			if !node.Critical {
				continue
			}
			switch node.Status {
			case structs.NodeStatusInitial, structs.NodeStatusPending,
				structs.NodeStatusRunning:
				alive = append(alive, id)
			}
		}
	}

	if len(alive) > 0 {
		logging.Info("core/node_manager: critical nodes %v are still live", alive)
		return false
	}
	return true
}

// RunningNodes returns the union of the running chief, worker and evaluator
// sets plus the current training parameter server cluster.
func (m *NodeManager) RunningNodes() []*structs.Node {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.runningNodesLocked()
}

func (m *NodeManager) runningNodesLocked() []*structs.Node {
	nodes := m.chiefManager.RunningNodes()
	nodes = append(nodes, m.workerManager.RunningNodes()...)
	nodes = append(nodes, m.evaluatorManager.RunningNodes()...)
	nodes = append(nodes, m.psManager.TrainingPSNodes()...)
	return nodes
}

// CurClusterPS returns the addresses of the parameter server cluster the
// training processes are currently wired to.
func (m *NodeManager) CurClusterPS() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.psManager.TrainingPSCluster()
}

// NextClusterPS returns the addresses of the next parameter server cluster
// proposal.
func (m *NodeManager) NextClusterPS() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.psManager.NextTrainingPSCluster()
}

// ReadyForNewPSCluster reports whether the pending parameter server
// proposal is fully running and promotes it when it is.
func (m *NodeManager) ReadyForNewPSCluster() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.psManager.ReadyForNewPSCluster()
}

// PendingRelaunchCount returns the number of relaunches decided but not yet
// observed back from the cluster.
func (m *NodeManager) PendingRelaunchCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.pendingRelaunchCount
}

// NodeCounts returns a per-type status -> count summary of the node index.
func (m *NodeManager) NodeCounts() map[string]map[string]int {
	m.lock.Lock()
	defer m.lock.Unlock()

	counts := make(map[string]map[string]int)
	for nodeType, nodes := range m.jobNodes {
		byStatus := make(map[string]int)
		for _, node := range nodes {
			byStatus[node.Status]++
		}
		counts[nodeType] = byStatus
	}
	return counts
}

// RemoveTrainingNodes tombstones every parameter server and worker that is
// still pending or running and returns the consolidated removal plan. Nodes
// that already reached a terminal status are untouched.
func (m *NodeManager) RemoveTrainingNodes() *structs.ResourcePlan {
	m.lock.Lock()
	defer m.lock.Unlock()

	plan := &structs.ResourcePlan{}
	training := make([]*structs.Node, 0)
	for _, node := range m.jobNodes[structs.NodeTypeWorker] {
		training = append(training, node)
	}
	for _, node := range m.jobNodes[structs.NodeTypePS] {
		training = append(training, node)
	}

	for _, node := range training {
		if node.IsReleased {
			continue
		}
		switch node.Status {
		case structs.NodeStatusRunning, structs.NodeStatusPending:
			node.Critical = false
			node.Relaunchable = false
			node.IsReleased = true
			node.UpdateStatus(structs.NodeStatusDeleted)
			logging.Info("core/node_manager: removing training node %s", node.Name)
			plan.RemovedNodes = append(plan.RemovedNodes, node.Name)
		}
	}

	return plan
}
