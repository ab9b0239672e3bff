package client

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	nomad "github.com/hashicorp/nomad/api"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/helper"
	"github.com/elastic-core-engineering/conductor/logging"
)

// jobMetaUUIDKey is the job meta key carrying a stable job identifier. Jobs
// submitted without one are assigned a fresh identifier per agent run.
const jobMetaUUIDKey = "conductor_job_uuid"

// servicePortLabel is the dynamic port label training processes register
// their service endpoint under.
const servicePortLabel = "trainer"

// nomadElasticJob wraps the Nomad API with the launcher-side primitives of
// a training job. Each role of the job maps to a task group named after the
// role; each node maps to one allocation of that group.
type nomadElasticJob struct {
	nomad     *nomad.Client
	jobName   string
	namespace string

	jobUUID string
}

// NewElasticJob is used to create a new launcher adapter to interact with
// the training job via Nomad.
func NewElasticJob(addr, jobName, namespace string) (structs.ElasticJob, error) {
	config := nomad.DefaultConfig()
	config.Address = addr
	if namespace != "" {
		config.Namespace = namespace
	}
	c, err := nomad.NewClient(config)
	if err != nil {
		return nil, err
	}

	return &nomadElasticJob{
		nomad:     c,
		jobName:   jobName,
		namespace: namespace,
	}, nil
}

// JobUUID returns the stable identifier of the supervised job, preferring
// the identifier stamped into the job meta at submission time.
func (e *nomadElasticJob) JobUUID() (string, error) {
	if e.jobUUID != "" {
		return e.jobUUID, nil
	}

	job, _, err := e.nomad.Jobs().Info(e.jobName, &nomad.QueryOptions{})
	if err != nil {
		return "", fmt.Errorf("client/nomad: unable to read job %s: %v",
			e.jobName, err)
	}

	if missing := helper.ParseMetaConfig(job.Meta, []string{jobMetaUUIDKey}); len(missing) == 0 {
		e.jobUUID = job.Meta[jobMetaUUIDKey]
		return e.jobUUID, nil
	}

	e.jobUUID = uuid.NewString()
	logging.Info("client/nomad: job %s carries no %s meta entry, assigned "+
		"uuid %s", e.jobName, jobMetaUUIDKey, e.jobUUID)
	return e.jobUUID, nil
}

// NodeName returns the allocation name a node of the given type and id is
// scheduled under.
func (e *nomadElasticJob) NodeName(nodeType string, id int) string {
	return fmt.Sprintf("%s.%s[%d]", e.jobName, nodeType, id)
}

// NodeServiceAddr resolves the service address of a node from its running
// allocation's network resources.
func (e *nomadElasticJob) NodeServiceAddr(nodeType string, id int) string {
	stub := e.findAllocation(e.NodeName(nodeType, id))
	if stub == nil {
		return ""
	}

	alloc, _, err := e.nomad.Allocations().Info(stub.ID, &nomad.QueryOptions{})
	if err != nil {
		logging.Error("client/nomad: unable to read allocation %s: %v",
			stub.ID, err)
		return ""
	}

	if alloc.Resources == nil || len(alloc.Resources.Networks) == 0 {
		return ""
	}

	network := alloc.Resources.Networks[0]
	ip := helper.FindIP(network.IP)
	for _, port := range network.DynamicPorts {
		if port.Label == servicePortLabel {
			return fmt.Sprintf("%s:%d", ip, port.Value)
		}
	}

	return ip
}

// LaunchNode schedules a node onto the cluster. A memory boost rewrites the
// task group resources before the evaluation is forced so the scheduler
// places the replacement with the increased request.
func (e *nomadElasticJob) LaunchNode(spec structs.NodeLaunchSpec) error {
	if spec.BoostMemory {
		if err := e.boostGroupMemory(spec.Type, spec.Resource.MemoryMB); err != nil {
			return err
		}
	}

	evalID, _, err := e.nomad.Jobs().ForceEvaluate(e.jobName, &nomad.WriteOptions{})
	if err != nil {
		return fmt.Errorf("client/nomad: unable to force an evaluation for "+
			"%s node %v: %v", spec.Type, spec.ID, err)
	}

	logging.Info("client/nomad: requested launch of %s node %v via "+
		"evaluation %s", spec.Type, spec.ID, evalID)
	return nil
}

// boostGroupMemory raises the memory request of the role's task group and
// re-registers the job.
func (e *nomadElasticJob) boostGroupMemory(nodeType string, memoryMB int) error {
	job, _, err := e.nomad.Jobs().Info(e.jobName, &nomad.QueryOptions{})
	if err != nil {
		return fmt.Errorf("client/nomad: unable to read job %s: %v", e.jobName, err)
	}

	for _, group := range job.TaskGroups {
		if group.Name == nil || *group.Name != nodeType {
			continue
		}
		for _, task := range group.Tasks {
			if task.Resources == nil {
				continue
			}
			if task.Resources.MemoryMB == nil || *task.Resources.MemoryMB < memoryMB {
				task.Resources.MemoryMB = &memoryMB
			}
		}
	}

	if _, _, err := e.nomad.Jobs().Register(job, &nomad.WriteOptions{}); err != nil {
		return fmt.Errorf("client/nomad: unable to register job %s with the "+
			"boosted memory request: %v", e.jobName, err)
	}

	logging.Info("client/nomad: boosted the memory request of the %s group "+
		"of job %s to %v MB", nodeType, e.jobName, memoryMB)
	return nil
}

// RemoveNode stops the allocation backing the named node.
func (e *nomadElasticJob) RemoveNode(name string) error {
	stub := e.findAllocation(name)
	if stub == nil {
		return fmt.Errorf("client/nomad: no allocation found for node %s", name)
	}

	_, err := e.nomad.Allocations().Stop(&nomad.Allocation{ID: stub.ID},
		&nomad.QueryOptions{})
	if err != nil {
		return fmt.Errorf("client/nomad: unable to stop allocation %s for "+
			"node %s: %v", stub.ID, name, err)
	}

	logging.Info("client/nomad: stopped allocation %s for node %s", stub.ID, name)
	return nil
}

// findAllocation returns the most recently modified allocation carrying the
// given name, or nil when the job has none.
func (e *nomadElasticJob) findAllocation(name string) *nomad.AllocationListStub {
	allocs, _, err := e.nomad.Jobs().Allocations(e.jobName, false, &nomad.QueryOptions{})
	if err != nil {
		logging.Error("client/nomad: unable to list allocations of job %s: %v",
			e.jobName, err)
		return nil
	}

	var latest *nomad.AllocationListStub
	for _, alloc := range allocs {
		if alloc.Name != name {
			continue
		}
		if latest == nil || alloc.ModifyTime > latest.ModifyTime {
			latest = alloc
		}
	}
	return latest
}

// parseAllocationName splits an allocation name of the form
// job.group[index] into the node type and id.
func parseAllocationName(name string) (nodeType string, id int, err error) {
	open := strings.LastIndex(name, "[")
	if open == -1 || !strings.HasSuffix(name, "]") {
		return "", 0, fmt.Errorf("allocation name %q has no index suffix", name)
	}

	id, err = strconv.Atoi(name[open+1 : len(name)-1])
	if err != nil {
		return "", 0, fmt.Errorf("allocation name %q has a malformed index", name)
	}

	prefix := name[:open]
	dot := strings.LastIndex(prefix, ".")
	if dot == -1 {
		return "", 0, fmt.Errorf("allocation name %q has no group segment", name)
	}

	return prefix[dot+1:], id, nil
}
