package conductor

import (
	metrics "github.com/armon/go-metrics"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/logging"
)

const (
	leaderElectionInterval = 10
	leaderLockTimeout      = 12
)

// LeaderCandidate campaigns for the per-job leadership lock. Exactly one
// agent may supervise a training job at a time: on acquiring the lock the
// server starts (or resumes) the node manager, and a candidate that loses
// the lock mid-flight suspends relaunch dispatch immediately so a standby
// agent taking over never races it for the same node.
type LeaderCandidate struct {
	consulClient structs.ConsulClient

	key     string
	jobName string
	ttl     int

	leader    bool
	session   string
	renewChan chan struct{}

	// onAcquired and onLost fire on leadership transitions only, never on
	// steady-state re-elections.
	onAcquired func()
	onLost     func()
}

// newLeaderCandidate creates a new LeaderCandidate for the job's lock.
func newLeaderCandidate(consulClient structs.ConsulClient, key, jobName string,
	ttl int, onAcquired, onLost func()) *LeaderCandidate {

	return &LeaderCandidate{
		consulClient: consulClient,
		key:          key,
		jobName:      jobName,
		ttl:          ttl,
		onAcquired:   onAcquired,
		onLost:       onLost,
	}
}

// isLeader returns true if the candidate currently holds the lock.
func (l *LeaderCandidate) isLeader() bool {
	return l.leader
}

// campaign runs one election round and reports whether the candidate holds
// the lock afterwards. A candidate whose session has expired is demoted on
// the spot; the next round creates a fresh session and competes again.
func (l *LeaderCandidate) campaign() bool {
	if err := l.ensureSession(); err != nil {
		logging.Error("core/leader: unable to obtain a Consul session for "+
			"job %s: %v", l.jobName, err)
		l.demote()
		return false
	}

	held := l.consulClient.AcquireLeadership(l.key, &l.session)
	if l.session == "" {
		// The session was invalidated during the acquire attempt.
		held = false
	}

	switch {
	case held && !l.leader:
		l.leader = true
		metrics.IncrCounter([]string{"leader", "acquired"}, 1)
		logging.Info("core/leader: this agent now supervises job %s", l.jobName)
		if l.onAcquired != nil {
			l.onAcquired()
		}

	case !held && l.leader:
		l.demote()

	case !held:
		logging.Debug("core/leader: standing by, another agent supervises "+
			"job %s", l.jobName)
	}

	return l.leader
}

// ensureSession lazily creates the Consul session backing the candidacy and
// spawns its keep-alive renewal.
func (l *LeaderCandidate) ensureSession() error {
	if l.session != "" {
		return nil
	}

	l.renewChan = make(chan struct{})
	id, err := l.consulClient.CreateSession(l.ttl, l.renewChan)
	if err != nil {
		return err
	}

	l.session = id
	return nil
}

// demote drops the candidate out of the leader role and tells the server to
// suspend relaunch dispatch.
func (l *LeaderCandidate) demote() {
	if !l.leader {
		return
	}

	l.leader = false
	metrics.IncrCounter([]string{"leader", "lost"}, 1)
	logging.Warning("core/leader: lost the leadership lock for job %s, "+
		"suspending relaunch dispatch until it is reacquired", l.jobName)
	if l.onLost != nil {
		l.onLost()
	}
}

// resign steps down voluntarily: supervision is suspended, the lock is
// released and the session destroyed so a standby agent can take over
// without waiting for the session TTL to expire.
func (l *LeaderCandidate) resign() {
	if l.renewChan != nil {
		close(l.renewChan)
		l.renewChan = nil
	}

	if l.leader {
		session := l.session
		l.demote()
		if err := l.consulClient.ResignLeadership(l.key, session); err != nil {
			logging.Error("core/leader: unable to release the leadership "+
				"lock for job %s: %v", l.jobName, err)
		}
	}

	l.session = ""
}
