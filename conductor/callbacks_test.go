package conductor

import (
	"testing"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
)

func TestCallbacks_DeletedFiresOnlyFromLiveStatuses(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	recorder := &eventRecorder{}
	manager.AddNodeEventCallback(recorder.callback())

	deletedEvent := func(id int) structs.NodeEvent {
		return structs.NodeEvent{
			EventType: structs.NodeEventDeleted,
			Node: structs.NodeSnapshot{
				Type: structs.NodeTypeWorker, ID: id,
				Status: structs.NodeStatusDeleted,
			},
		}
	}

	// A running worker that is deleted notifies subscribers once.
	manager.ProcessEvent(deletedEvent(1))

	// A worker that already failed is deleted silently.
	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 2,
		structs.NodeStatusFailed, structs.NodeExitReasonFatalError))
	manager.ProcessEvent(deletedEvent(2))

	_, _, failed, deleted := recorder.counts()
	if deleted != 1 {
		t.Fatalf("expected exactly one deleted callback, got %v", deleted)
	}
	if failed != 1 {
		t.Fatalf("expected one failed callback, got %v", failed)
	}
}

func TestCallbacks_PanickingSubscriberIsContained(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())

	recorder := &eventRecorder{}
	manager.AddNodeEventCallback(NodeEventCallback{
		OnNodeStarted: func(node *structs.Node, ctx *ClusterContext) {
			panic("subscriber exploded")
		},
	})
	manager.AddNodeEventCallback(recorder.callback())

	manager.ProcessEvent(modifiedEvent(structs.NodeTypeChief, 0,
		structs.NodeStatusRunning, ""))

	started, _, _, _ := recorder.counts()
	if started != 1 {
		t.Fatalf("expected the remaining subscriber to run, got %v", started)
	}

	chief := manager.jobNodes[structs.NodeTypeChief][0]
	if chief.Status != structs.NodeStatusRunning {
		t.Fatalf("expected the transition to be applied, got %v", chief.Status)
	}
}

func TestCallbacks_ClusterContextQueries(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())

	var counts map[string]int
	var uuid string
	manager.AddNodeEventCallback(NodeEventCallback{
		OnNodeStarted: func(node *structs.Node, ctx *ClusterContext) {
			counts = ctx.NodeCounts(structs.NodeTypeWorker)
			uuid = ctx.JobUUID()
			ctx.EnqueueScalePlan(&structs.ResourcePlan{
				RemovedNodes: []string{node.Name},
			})
		},
	})

	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 0,
		structs.NodeStatusRunning, ""))

	if counts[structs.NodeStatusRunning] != 1 {
		t.Fatalf("expected the context to observe the applied transition, "+
			"got %v", counts)
	}
	if uuid != "3f1b9c4e-test" {
		t.Fatalf("unexpected job uuid %v", uuid)
	}

	select {
	case plan := <-manager.ScalePlans():
		if len(plan.RemovedNodes) != 1 {
			t.Fatalf("unexpected scale plan %v", plan)
		}
	default:
		t.Fatalf("expected an enqueued scale plan")
	}
}

func TestCallbacks_FailureNotify(t *testing.T) {
	job := &fakeElasticJob{}
	manager := newTestManager(job, newFakeNodeWatcher())
	runAll(manager)

	notifier := &recordingNotifier{}
	notification := &structs.Notification{
		ClusterIdentifier: "nomad-rocks",
		Notifiers:         []structs.Notifier{notifier},
	}
	manager.AddNodeEventCallback(NewFailureNotifyCallback(notification, "deepspeech"))

	// A non-critical worker failure does not page.
	manager.ProcessEvent(modifiedEvent(structs.NodeTypeWorker, 1,
		structs.NodeStatusFailed, structs.NodeExitReasonFatalError))
	if len(notifier.messages) != 0 {
		t.Fatalf("expected no notification for a non-critical worker")
	}

	// A critical parameter server with its budget spent pages the operator.
	ps := manager.jobNodes[structs.NodeTypePS][0]
	ps.RelaunchCount = ps.MaxRelaunchCount
	manager.ProcessEvent(modifiedEvent(structs.NodeTypePS, 0,
		structs.NodeStatusFailed, structs.NodeExitReasonUnknown))

	if len(notifier.messages) != 1 {
		t.Fatalf("expected one notification, got %v", len(notifier.messages))
	}
	message := notifier.messages[0]
	if message.Reason != "critical_node_failed" || message.JobName != "deepspeech" {
		t.Fatalf("unexpected notification %+v", message)
	}
}

// recordingNotifier captures notifications instead of paging anyone.
type recordingNotifier struct {
	messages []structs.FailureMessage
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) SendNotification(message structs.FailureMessage) {
	r.messages = append(r.messages, message)
}
