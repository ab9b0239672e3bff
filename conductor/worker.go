package conductor

import (
	"sort"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
)

// chiefManager owns the chief group. The chief carries no role-specific
// state beyond the shared contract.
type chiefManager struct {
	*trainingNodeGroup
}

func newChiefManager(jobResource *structs.JobResourceConfig,
	elasticJob structs.ElasticJob) *chiefManager {

	return &chiefManager{
		trainingNodeGroup: newTrainingNodeGroup(structs.NodeTypeChief, jobResource, elasticJob),
	}
}

// workerManager owns the worker group and tracks workers whose launch is
// held back until the parameter server cluster is fully running.
type workerManager struct {
	*trainingNodeGroup

	workersWaitingPSRunning []int
}

func newWorkerManager(jobResource *structs.JobResourceConfig,
	elasticJob structs.ElasticJob) *workerManager {

	return &workerManager{
		trainingNodeGroup: newTrainingNodeGroup(structs.NodeTypeWorker, jobResource, elasticJob),
	}
}

// AddWaitingWorker records a worker that should only be launched once all
// parameter servers are running. Duplicate ids are dropped.
func (w *workerManager) AddWaitingWorker(id int) {
	for _, existing := range w.workersWaitingPSRunning {
		if existing == id {
			return
		}
	}
	w.workersWaitingPSRunning = append(w.workersWaitingPSRunning, id)
	sort.Ints(w.workersWaitingPSRunning)
}

// TakeWaitingWorkers drains and returns the held-back worker ids.
func (w *workerManager) TakeWaitingWorkers() []int {
	waiting := w.workersWaitingPSRunning
	w.workersWaitingPSRunning = nil
	return waiting
}

// WaitingWorkers returns the held-back worker ids without draining them.
func (w *workerManager) WaitingWorkers() []int {
	return append([]int(nil), w.workersWaitingPSRunning...)
}

// evaluatorManager owns the evaluator group.
type evaluatorManager struct {
	*trainingNodeGroup
}

func newEvaluatorManager(jobResource *structs.JobResourceConfig,
	elasticJob structs.ElasticJob) *evaluatorManager {

	return &evaluatorManager{
		trainingNodeGroup: newTrainingNodeGroup(structs.NodeTypeEvaluator, jobResource, elasticJob),
	}
}
