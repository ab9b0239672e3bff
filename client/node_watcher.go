package client

import (
	"time"

	nomad "github.com/hashicorp/nomad/api"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/logging"
)

// watchWaitTime bounds each blocking query against the Nomad API.
const watchWaitTime = 5 * time.Minute

// Task event types the exit reason is derived from.
const (
	taskEventOOM           = "OOM Killed"
	taskEventKilled        = "Killed"
	taskEventKilling       = "Killing"
	taskEventDriverFailure = "Driver Failure"
	taskEventNotRestarting = "Not Restarting"
)

// nomadNodeWatcher exposes the cluster-side view of a training job by
// listing and watching the job's allocations.
type nomadNodeWatcher struct {
	nomad   *nomad.Client
	jobName string
}

// NewNodeWatcher is used to create a new watcher adapter observing the
// training job via Nomad.
func NewNodeWatcher(addr, jobName, namespace string) (structs.NodeWatcher, error) {
	config := nomad.DefaultConfig()
	config.Address = addr
	if namespace != "" {
		config.Namespace = namespace
	}
	c, err := nomad.NewClient(config)
	if err != nil {
		return nil, err
	}

	return &nomadNodeWatcher{nomad: c, jobName: jobName}, nil
}

// List returns a complete snapshot of the job's known nodes.
func (w *nomadNodeWatcher) List() ([]structs.NodeSnapshot, error) {
	allocs, _, err := w.nomad.Jobs().Allocations(w.jobName, false,
		&nomad.QueryOptions{AllowStale: true})
	if err != nil {
		return nil, err
	}

	snapshots := make([]structs.NodeSnapshot, 0, len(allocs))
	for _, alloc := range allocs {
		snap, ok := allocToSnapshot(alloc)
		if !ok {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// Watch emits incremental node events derived from allocation changes. The
// stream closes when the stop channel closes or a query fails; the caller
// restarts the watch after relisting.
func (w *nomadNodeWatcher) Watch(stop <-chan struct{}) (<-chan structs.NodeEvent, error) {
	events := make(chan structs.NodeEvent)

	go func() {
		defer close(events)

		q := &nomad.QueryOptions{
			WaitIndex:  1,
			WaitTime:   watchWaitTime,
			AllowStale: true,
		}
		seen := make(map[string]uint64)

		for {
			select {
			case <-stop:
				return
			default:
			}

			allocs, meta, err := w.nomad.Jobs().Allocations(w.jobName, false, q)
			if err != nil {
				logging.Error("client/node_watcher: failed to retrieve "+
					"allocations of job %s: %v", w.jobName, err)
				return
			}

			if meta.LastIndex <= q.WaitIndex {
				logging.Debug("client/node_watcher: blocking query timed " +
					"out, restarting the allocation watch")
				continue
			}
			q.WaitIndex = meta.LastIndex

			for _, alloc := range allocs {
				last, known := seen[alloc.ID]
				if known && uint64(alloc.ModifyTime) == last {
					continue
				}
				seen[alloc.ID] = uint64(alloc.ModifyTime)

				snap, ok := allocToSnapshot(alloc)
				if !ok {
					continue
				}

				eventType := structs.NodeEventModified
				if !known {
					eventType = structs.NodeEventAdded
				}
				if snap.Status == structs.NodeStatusDeleted {
					eventType = structs.NodeEventDeleted
				}

				select {
				case events <- structs.NodeEvent{EventType: eventType, Node: snap}:
				case <-stop:
					return
				}
			}
		}
	}()

	return events, nil
}

// allocToSnapshot maps one allocation onto the node snapshot the node
// manager consumes. Allocations whose names do not parse as training nodes
// are skipped.
func allocToSnapshot(alloc *nomad.AllocationListStub) (structs.NodeSnapshot, bool) {
	nodeType, id, err := parseAllocationName(alloc.Name)
	if err != nil {
		logging.Debug("client/node_watcher: skipping allocation %s: %v",
			alloc.ID, err)
		return structs.NodeSnapshot{}, false
	}

	snap := structs.NodeSnapshot{
		Type:       nodeType,
		ID:         id,
		Name:       alloc.Name,
		Status:     allocStatus(alloc),
		ExitReason: allocExitReason(alloc),
		CreateTime: time.Unix(0, alloc.CreateTime),
		StartTime:  time.Unix(0, alloc.ModifyTime),
	}
	return snap, true
}

// allocStatus maps the allocation client status onto a node status.
func allocStatus(alloc *nomad.AllocationListStub) string {
	if alloc.DesiredStatus == nomad.AllocDesiredStatusEvict {
		return structs.NodeStatusDeleted
	}

	switch alloc.ClientStatus {
	case nomad.AllocClientStatusPending:
		return structs.NodeStatusPending
	case nomad.AllocClientStatusRunning:
		return structs.NodeStatusRunning
	case nomad.AllocClientStatusComplete:
		return structs.NodeStatusSucceeded
	case nomad.AllocClientStatusFailed:
		return structs.NodeStatusFailed
	case nomad.AllocClientStatusLost:
		return structs.NodeStatusDeleted
	default:
		return structs.NodeStatusPending
	}
}

// allocExitReason derives the exit reason from the allocation's task
// events. Only failed or lost allocations carry a reason.
func allocExitReason(alloc *nomad.AllocationListStub) string {
	if alloc.ClientStatus == nomad.AllocClientStatusLost {
		return structs.NodeExitReasonKilled
	}
	if alloc.ClientStatus != nomad.AllocClientStatusFailed {
		return structs.NodeExitReasonNone
	}

	for _, state := range alloc.TaskStates {
		for _, event := range state.Events {
			switch event.Type {
			case taskEventOOM:
				return structs.NodeExitReasonOOM
			case taskEventKilled, taskEventKilling:
				return structs.NodeExitReasonKilled
			case taskEventDriverFailure, taskEventNotRestarting:
				return structs.NodeExitReasonFatalError
			}
		}
	}

	return structs.NodeExitReasonUnknown
}
