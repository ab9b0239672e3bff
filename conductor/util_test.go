package conductor

import (
	"fmt"
	"sync"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
)

// fakeElasticJob records the launch and removal requests the node manager
// hands to the launcher.
type fakeElasticJob struct {
	mu       sync.Mutex
	launches []structs.NodeLaunchSpec
	removed  []string

	launchErr error
}

func (f *fakeElasticJob) JobUUID() (string, error) {
	return "3f1b9c4e-test", nil
}

func (f *fakeElasticJob) NodeServiceAddr(nodeType string, id int) string {
	return fmt.Sprintf("%s-%d.deepspeech.svc:2222", nodeType, id)
}

func (f *fakeElasticJob) NodeName(nodeType string, id int) string {
	return fmt.Sprintf("deepspeech.%s[%d]", nodeType, id)
}

func (f *fakeElasticJob) LaunchNode(spec structs.NodeLaunchSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launches = append(f.launches, spec)
	return nil
}

func (f *fakeElasticJob) RemoveNode(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeElasticJob) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func (f *fakeElasticJob) lastLaunch() (structs.NodeLaunchSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.launches) == 0 {
		return structs.NodeLaunchSpec{}, false
	}
	return f.launches[len(f.launches)-1], true
}

// fakeNodeWatcher serves a scripted snapshot and forwards pushed events
// until the stop channel closes.
type fakeNodeWatcher struct {
	mu       sync.Mutex
	snapshot []structs.NodeSnapshot
	events   chan structs.NodeEvent
}

func newFakeNodeWatcher() *fakeNodeWatcher {
	return &fakeNodeWatcher{
		events: make(chan structs.NodeEvent),
	}
}

func (f *fakeNodeWatcher) setSnapshot(snapshot []structs.NodeSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = snapshot
}

func (f *fakeNodeWatcher) List() ([]structs.NodeSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]structs.NodeSnapshot(nil), f.snapshot...), nil
}

func (f *fakeNodeWatcher) Watch(stop <-chan struct{}) (<-chan structs.NodeEvent, error) {
	out := make(chan structs.NodeEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-stop:
				return
			case event := <-f.events:
				select {
				case out <- event:
				case <-stop:
					return
				}
			}
		}
	}()
	return out, nil
}

// eventRecorder is a callback subscriber that counts dispatches per
// transition target.
type eventRecorder struct {
	mu        sync.Mutex
	started   []string
	succeeded []string
	failed    []string
	deleted   []string
}

func (r *eventRecorder) callback() NodeEventCallback {
	return NodeEventCallback{
		OnNodeStarted: func(node *structs.Node, ctx *ClusterContext) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.started = append(r.started, node.Name)
		},
		OnNodeSucceeded: func(node *structs.Node, ctx *ClusterContext) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.succeeded = append(r.succeeded, node.Name)
		},
		OnNodeFailed: func(node *structs.Node, ctx *ClusterContext) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failed = append(r.failed, node.Name)
		},
		OnNodeDeleted: func(node *structs.Node, ctx *ClusterContext) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.deleted = append(r.deleted, node.Name)
		},
	}
}

func (r *eventRecorder) counts() (started, succeeded, failed, deleted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.succeeded), len(r.failed), len(r.deleted)
}

// testConfig returns an agent configuration wired to fakes that describes
// a parameter server job with two ps nodes, one chief and three workers.
func testConfig(job *fakeElasticJob, watcher *fakeNodeWatcher) *structs.Config {
	return &structs.Config{
		JobName:                 "deepspeech",
		Namespace:               "default",
		Engine:                  "nomad",
		DistributionStrategy:    structs.DistributionStrategyParameterServer,
		RelaunchOnWorkerFailure: 3,
		PSIsCritical:            true,
		PSRelaunchMaxNum:        2,
		JobResource: map[string]*structs.NodeGroupConfig{
			structs.NodeTypePS:     {Count: 2, CPU: 8, MemoryMB: 16384, Priority: "high"},
			structs.NodeTypeChief:  {Count: 1, CPU: 4, MemoryMB: 8192, Priority: "high"},
			structs.NodeTypeWorker: {Count: 3, CPU: 4, MemoryMB: 8192, Priority: "high"},
		},
		ElasticJob:  job,
		NodeWatcher: watcher,
	}
}

// newTestManager builds a node manager over the test configuration with
// its node index populated but without the monitor loop running.
func newTestManager(job *fakeElasticJob, watcher *fakeNodeWatcher) *NodeManager {
	manager, err := CreateNodeManager(testConfig(job, watcher))
	if err != nil {
		panic(err)
	}

	manager.lock.Lock()
	manager.jobUUID = "3f1b9c4e-test"
	manager.initJobNodes()
	manager.lock.Unlock()

	return manager
}

// modifiedEvent builds a MODIFIED event for a node of the test job.
func modifiedEvent(nodeType string, id int, status, exitReason string) structs.NodeEvent {
	return structs.NodeEvent{
		EventType: structs.NodeEventModified,
		Node: structs.NodeSnapshot{
			Type:       nodeType,
			ID:         id,
			Name:       fmt.Sprintf("deepspeech.%s[%d]", nodeType, id),
			Status:     status,
			ExitReason: exitReason,
		},
	}
}

// runAll drives every ps, chief and worker node of the test job to the
// running status.
func runAll(manager *NodeManager) {
	for _, nodeType := range []string{structs.NodeTypePS, structs.NodeTypeChief,
		structs.NodeTypeWorker} {
		for id := range manager.jobNodes[nodeType] {
			manager.ProcessEvent(modifiedEvent(nodeType, id, structs.NodeStatusRunning, ""))
		}
	}
}
