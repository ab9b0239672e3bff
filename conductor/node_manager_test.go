package conductor

import (
	"testing"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/testutil"
)

func TestNodeManager_InitJobNodes(t *testing.T) {
	manager := newTestManager(&fakeElasticJob{}, newFakeNodeWatcher())

	if len(manager.jobNodes[structs.NodeTypePS]) != 2 ||
		len(manager.jobNodes[structs.NodeTypeChief]) != 1 ||
		len(manager.jobNodes[structs.NodeTypeWorker]) != 3 {
		t.Fatalf("unexpected node index %v", manager.NodeCounts())
	}

	// Parameter servers are critical with the ps budget.
	for _, node := range manager.jobNodes[structs.NodeTypePS] {
		if !node.Critical || node.MaxRelaunchCount != 2 {
			t.Fatalf("unexpected ps node %+v", node)
		}
	}

	// Under the parameter server strategy only worker zero is critical.
	if !manager.jobNodes[structs.NodeTypeWorker][0].Critical {
		t.Fatalf("expected worker 0 to be critical")
	}
	if manager.jobNodes[structs.NodeTypeWorker][1].Critical {
		t.Fatalf("expected worker 1 to be non-critical")
	}

	// The chief is always critical with a budget of at least one.
	chief := manager.jobNodes[structs.NodeTypeChief][0]
	if !chief.Critical || chief.MaxRelaunchCount < 1 {
		t.Fatalf("unexpected chief node %+v", chief)
	}
}

func TestNodeManager_OOMWithinBudget(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	recorder := &eventRecorder{}
	manager.AddNodeEventCallback(recorder.callback())

	worker := manager.jobNodes[structs.NodeTypeWorker][0]
	worker.RelaunchCount = 1
	launchesBefore := job.launchCount()

	manager.UpdateNodeResourceUsage(structs.NodeTypeWorker, 0, 4, 8192)
	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 0,
		structs.NodeStatusFailed, structs.NodeExitReasonOOM))

	if worker.Status != structs.NodeStatusFailed {
		t.Fatalf("expected failed status, got %v", worker.Status)
	}
	if !worker.IsRecoveredOOM {
		t.Fatalf("expected the node to be marked as recovered from OOM")
	}
	if worker.RelaunchCount != 2 {
		t.Fatalf("expected relaunch count 2, got %v", worker.RelaunchCount)
	}

	if job.launchCount() != launchesBefore+1 {
		t.Fatalf("expected one relaunch to be dispatched")
	}
	spec, _ := job.lastLaunch()
	if spec.Type != structs.NodeTypeWorker || spec.ID != 0 {
		t.Fatalf("unexpected launch spec %+v", spec)
	}
	if !spec.BoostMemory || spec.Resource.MemoryMB != 16384 {
		t.Fatalf("expected a boosted memory request, got %+v", spec)
	}

	if _, _, failed, _ := recorder.counts(); failed != 1 {
		t.Fatalf("expected one failed callback, got %v", failed)
	}
}

func TestNodeManager_OOMOverMemoryCeiling(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	worker := manager.jobNodes[structs.NodeTypeWorker][1]
	launchesBefore := job.launchCount()

	manager.UpdateNodeResourceUsage(structs.NodeTypeWorker, 1, 4, 70000)
	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 1,
		structs.NodeStatusFailed, structs.NodeExitReasonOOM))

	if worker.Status != structs.NodeStatusFailed {
		t.Fatalf("expected failed status, got %v", worker.Status)
	}
	if job.launchCount() != launchesBefore {
		t.Fatalf("expected no relaunch beyond the memory ceiling")
	}
	if worker.RelaunchCount != 0 {
		t.Fatalf("expected relaunch count to be unchanged, got %v",
			worker.RelaunchCount)
	}
}

func TestNodeManager_FatalErrorNeverRelaunches(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	recorder := &eventRecorder{}
	manager.AddNodeEventCallback(recorder.callback())

	worker := manager.jobNodes[structs.NodeTypeWorker][2]
	worker.RelaunchCount = 0
	launchesBefore := job.launchCount()

	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 2,
		structs.NodeStatusFailed, structs.NodeExitReasonFatalError))

	if _, _, failed, _ := recorder.counts(); failed != 1 {
		t.Fatalf("expected one failed callback, got %v", failed)
	}
	if job.launchCount() != launchesBefore {
		t.Fatalf("expected no relaunch for a fatal error")
	}
	if worker.RelaunchCount != 0 {
		t.Fatalf("expected relaunch count to be unchanged, got %v",
			worker.RelaunchCount)
	}
}

func TestNodeManager_RelaunchBudgetExhausted(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	worker := manager.jobNodes[structs.NodeTypeWorker][1]
	worker.RelaunchCount = worker.MaxRelaunchCount + 1
	launchesBefore := job.launchCount()

	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 1,
		structs.NodeStatusFailed, structs.NodeExitReasonUnknown))

	if job.launchCount() != launchesBefore {
		t.Fatalf("expected no relaunch once the budget is exhausted")
	}

	// The killed exit reason bypasses the budget entirely.
	killed := manager.jobNodes[structs.NodeTypeWorker][2]
	killed.RelaunchCount = killed.MaxRelaunchCount + 1
	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 2,
		structs.NodeStatusFailed, structs.NodeExitReasonKilled))
	if job.launchCount() != launchesBefore+1 {
		t.Fatalf("expected a killed node to be relaunched regardless of budget")
	}
}

func TestNodeManager_ReconcileMissedDeletion(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	recorder := &eventRecorder{}
	manager.AddNodeEventCallback(recorder.callback())

	// The cluster list no longer reports ps 0; every other node is still
	// running.
	var snapshot []structs.NodeSnapshot
	for _, nodeType := range structs.NodeTypes {
		for id, node := range manager.jobNodes[nodeType] {
			if nodeType == structs.NodeTypePS && id == 0 {
				continue
			}
			if node.Status != structs.NodeStatusRunning {
				continue
			}
			snapshot = append(snapshot, structs.NodeSnapshot{
				Type:   nodeType,
				ID:     id,
				Name:   node.Name,
				Status: structs.NodeStatusRunning,
			})
		}
	}

	manager.reconcile(snapshot)

	ps := manager.jobNodes[structs.NodeTypePS][0]
	if !ps.IsReleased {
		t.Fatalf("expected ps 0 to be released after vanishing from the list")
	}

	started, succeeded, failed, deleted := recorder.counts()
	if started+succeeded+failed+deleted != 0 {
		t.Fatalf("expected no callback for a reconciled disappearance, got "+
			"%v/%v/%v/%v", started, succeeded, failed, deleted)
	}
}

func TestNodeManager_SucceededIsAbsorbing(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	recorder := &eventRecorder{}
	manager.AddNodeEventCallback(recorder.callback())

	manager.ProcessEvent(modifiedEvent(structs.NodeTypeChief, 0,
		structs.NodeStatusSucceeded, ""))

	chief := manager.jobNodes[structs.NodeTypeChief][0]
	if chief.Status != structs.NodeStatusSucceeded {
		t.Fatalf("expected succeeded status, got %v", chief.Status)
	}

	// A spurious running event afterwards must be ignored.
	manager.ProcessEvent(modifiedEvent(structs.NodeTypeChief, 0,
		structs.NodeStatusRunning, ""))

	if chief.Status != structs.NodeStatusSucceeded {
		t.Fatalf("expected the succeeded status to be absorbing, got %v",
			chief.Status)
	}
	started, succeeded, _, _ := recorder.counts()
	if succeeded != 1 || started != 0 {
		t.Fatalf("expected exactly one succeeded callback, got started=%v "+
			"succeeded=%v", started, succeeded)
	}
}

func TestNodeManager_ProcessEventIsIdempotent(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	recorder := &eventRecorder{}
	manager.AddNodeEventCallback(recorder.callback())

	event := modifiedEvent(structs.NodeTypeWorker, 2,
		structs.NodeStatusFailed, structs.NodeExitReasonFatalError)

	manager.ProcessEvent(event)
	worker := manager.jobNodes[structs.NodeTypeWorker][2]
	statusAfterOnce := worker.Status
	countAfterOnce := worker.RelaunchCount

	manager.ProcessEvent(event)

	if worker.Status != statusAfterOnce || worker.RelaunchCount != countAfterOnce {
		t.Fatalf("expected replaying the event to be a no-op")
	}
	if _, _, failed, _ := recorder.counts(); failed != 1 {
		t.Fatalf("expected a single failed callback, got %v", failed)
	}
}

func TestNodeManager_RemoveTrainingNodes(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())

	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 0,
		structs.NodeStatusRunning, ""))
	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 1,
		structs.NodeStatusRunning, ""))
	manager.ProcessEvent(modifiedEvent(structs.NodeTypePS, 0,
		structs.NodeStatusPending, ""))
	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 2,
		structs.NodeStatusSucceeded, ""))

	plan := manager.RemoveTrainingNodes()

	if len(plan.RemovedNodes) != 3 {
		t.Fatalf("expected 3 removals, got %v", plan.RemovedNodes)
	}

	for _, id := range []int{0, 1} {
		worker := manager.jobNodes[structs.NodeTypeWorker][id]
		if worker.Status != structs.NodeStatusDeleted || !worker.IsReleased ||
			worker.Critical || worker.Relaunchable {
			t.Fatalf("unexpected worker %v state %+v", id, worker)
		}
	}
	ps := manager.jobNodes[structs.NodeTypePS][0]
	if ps.Status != structs.NodeStatusDeleted || !ps.IsReleased {
		t.Fatalf("unexpected ps state %+v", ps)
	}

	succeeded := manager.jobNodes[structs.NodeTypeWorker][2]
	if succeeded.Status != structs.NodeStatusSucceeded || succeeded.IsReleased {
		t.Fatalf("expected the succeeded worker to be untouched, got %+v",
			succeeded)
	}
}

func TestNodeManager_StopSilencesCallbacks(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	recorder := &eventRecorder{}
	manager.AddNodeEventCallback(recorder.callback())

	manager.Stop()

	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 0,
		structs.NodeStatusFailed, structs.NodeExitReasonKilled))

	started, succeeded, failed, deleted := recorder.counts()
	if started+succeeded+failed+deleted != 0 {
		t.Fatalf("expected no callback after stop")
	}
	if job.launchCount() != 0 {
		t.Fatalf("expected no relaunch after stop")
	}
}

func TestNodeManager_RemoveWorker(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	// Worker 0 is critical under the parameter server strategy and must be
	// skipped.
	if err := manager.RemoveWorker(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if manager.jobNodes[structs.NodeTypeWorker][0].IsReleased {
		t.Fatalf("expected the critical worker to be untouched")
	}

	if err := manager.RemoveWorker(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	worker := manager.jobNodes[structs.NodeTypeWorker][1]
	if !worker.IsReleased || worker.Status != structs.NodeStatusDeleted {
		t.Fatalf("expected worker 1 to be tombstoned, got %+v", worker)
	}

	job.mu.Lock()
	removed := append([]string(nil), job.removed...)
	job.mu.Unlock()
	if len(removed) != 1 || removed[0] != "deepspeech.worker[1]" {
		t.Fatalf("unexpected removal requests %v", removed)
	}
}

func TestNodeManager_PendingRelaunchAccounting(t *testing.T) {
	job := &fakeElasticJob{}
	watcher := newFakeNodeWatcher()
	config := testConfig(job, watcher)
	config.WaitPendingRelaunch = true

	manager, err := CreateNodeManager(config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	manager.lock.Lock()
	manager.initJobNodes()
	manager.lock.Unlock()
	runAll(manager)

	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 1,
		structs.NodeStatusFailed, structs.NodeExitReasonKilled))
	if manager.PendingRelaunchCount() != 1 {
		t.Fatalf("expected one pending relaunch, got %v",
			manager.PendingRelaunchCount())
	}

	// The relaunched worker reappears as pending.
	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 1,
		structs.NodeStatusPending, ""))
	if manager.PendingRelaunchCount() != 0 {
		t.Fatalf("expected the pending relaunch to settle, got %v",
			manager.PendingRelaunchCount())
	}
}

func TestNodeManager_AggregatePredicates(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	if manager.AllWorkersExited() {
		t.Fatalf("expected running workers to not report exited")
	}
	if manager.AllCriticalNodesCompleted() {
		t.Fatalf("expected live critical nodes to gate completion")
	}

	for _, nodeType := range []string{structs.NodeTypeChief, structs.NodeTypeWorker} {
		for id := range manager.jobNodes[nodeType] {
			manager.ProcessEvent(modifiedEvent(nodeType, id,
				structs.NodeStatusSucceeded, ""))
		}
	}

	if !manager.AllWorkersExited() {
		t.Fatalf("expected all workers to report exited")
	}
	if manager.AllWorkersFailed() {
		t.Fatalf("expected succeeded workers to not report failed")
	}

	// Parameter servers are still running and critical.
	if manager.AllCriticalNodesCompleted() {
		t.Fatalf("expected running parameter servers to gate completion")
	}

	manager.ProcessEvent(structs.NodeEvent{
		EventType: structs.NodeEventDeleted,
		Node: structs.NodeSnapshot{
			Type: structs.NodeTypePS, ID: 0,
			Status: structs.NodeStatusDeleted,
		},
	})
	manager.ProcessEvent(structs.NodeEvent{
		EventType: structs.NodeEventDeleted,
		Node: structs.NodeSnapshot{
			Type: structs.NodeTypePS, ID: 1,
			Status: structs.NodeStatusDeleted,
		},
	})

	if !manager.AllCriticalNodesCompleted() {
		t.Fatalf("expected completion once no critical node is live")
	}
}

func TestNodeManager_RunningNodesIncludesPSCluster(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	running := manager.RunningNodes()

	// One chief, three workers and the two-member ps training cluster.
	if len(running) != 6 {
		t.Fatalf("expected 6 running nodes, got %v", len(running))
	}

	cluster := manager.CurClusterPS()
	if len(cluster) != 2 || cluster[0] != "ps-0.deepspeech.svc:2222" {
		t.Fatalf("unexpected ps cluster %v", cluster)
	}
}

func TestNodeManager_MonitorLoop(t *testing.T) {
	job := &fakeElasticJob{}
	watcher := newFakeNodeWatcher()
	manager := newTestManager(job, watcher)

	go manager.monitorNodes()
	defer manager.Stop()

	watcher.events <- modifiedEvent(structs.NodeTypeChief, 0,
		structs.NodeStatusRunning, "")

	testutil.WaitForResult(func() (bool, error) {
		manager.lock.Lock()
		defer manager.lock.Unlock()
		status := manager.jobNodes[structs.NodeTypeChief][0].Status
		return status == structs.NodeStatusRunning, nil
	}, func(err error) {
		t.Fatalf("the monitor loop did not apply the watched event: %v", err)
	})
}
