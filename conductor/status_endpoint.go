package conductor

import (
	"github.com/elastic-core-engineering/conductor/conductor/structs"
)

// Status endpoint is used to get information on the server status.
type Status struct {
	srv *Server
}

// JobStatusResponse is returned by the Status.Job endpoint and summarizes
// the supervised job.
type JobStatusResponse struct {
	JobName           string
	JobUUID           string
	NodeCounts        map[string]map[string]int
	PendingRelaunches int
	AllWorkersExited  bool
	AllWorkersFailed  bool
}

// Leader gets information regarding the conductor instance which is holding
// leadership.
func (s *Status) Leader(args interface{}, reply *structs.LeaderResponse) error {

	var session string

	if s.srv.candidate != nil && s.srv.candidate.leader {
		session = s.srv.candidate.session
	}

	if s.srv.config.ConsulClient == nil {
		// Single-instance mode has no election; the local agent is the
		// leader by definition.
		reply.LeaderSelf = true
		return nil
	}

	return s.srv.config.ConsulClient.GetLeaderInfo(reply,
		&s.srv.leaderKey, session)
}

// Job reports the current state of the supervised training job.
func (s *Status) Job(args interface{}, reply *JobStatusResponse) error {
	manager := s.srv.NodeManager()
	if manager == nil {
		reply.JobName = s.srv.config.JobName
		return nil
	}

	reply.JobName = s.srv.config.JobName
	reply.JobUUID = manager.JobUUID()
	reply.NodeCounts = manager.NodeCounts()
	reply.PendingRelaunches = manager.PendingRelaunchCount()
	reply.AllWorkersExited = manager.AllWorkersExited()
	reply.AllWorkersFailed = manager.AllWorkersFailed()

	return nil
}
