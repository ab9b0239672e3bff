package structs

import "time"

// LeaderResponse is returned by the Status.Leader RPC endpoint and carries
// details of the agent currently holding the leadership lock.
type LeaderResponse struct {
	FullAddress string
	Key         string
	LeaderSelf  bool
	Session     string
}

// JobState is a point-in-time summary of the supervised job, written to the
// Consul Key/Value Store by the leader for operator visibility. It is never
// read back to rebuild the in-memory model; a restarted agent rebuilds from
// a fresh cluster list.
type JobState struct {
	// JobUUID identifies the job incarnation the snapshot belongs to.
	JobUUID string `json:"job_uuid"`

	// NodeCounts maps node type to a status -> count summary.
	NodeCounts map[string]map[string]int `json:"node_counts"`

	// PendingRelaunches is the number of relaunches decided but not yet
	// observed back from the cluster.
	PendingRelaunches int `json:"pending_relaunches"`

	// LastUpdated tracks the last time the snapshot was written.
	LastUpdated time.Time `json:"last_updated"`
}

// The ConsulClient interface is used to provide common method signatures for
// interacting with the Consul API.
type ConsulClient interface {
	// CreateSession creates a Consul session for use in leader election and
	// spawns the keep-alive renewal until the renew channel is closed.
	CreateSession(ttl int, renewChan chan struct{}) (string, error)

	// AcquireLeadership attempts to acquire the leadership lock at the
	// given key using the session.
	AcquireLeadership(key string, session *string) bool

	// ResignLeadership releases the leadership lock so another agent can
	// acquire it without waiting for the session TTL to expire.
	ResignLeadership(key, session string) error

	// GetLeaderInfo populates the response with details of the current
	// leadership lock holder.
	GetLeaderInfo(reply *LeaderResponse, key *string, session string) error

	// WriteJobState persists the job status snapshot at the given key.
	WriteJobState(key string, state *JobState) error

	// ReadJobState reads a previously written job status snapshot into
	// state. A missing key leaves state untouched.
	ReadJobState(key string, state *JobState) error
}
