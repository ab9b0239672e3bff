package client

import (
	"encoding/json"
	"fmt"
	"time"

	metrics "github.com/armon/go-metrics"
	consul "github.com/hashicorp/consul/api"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/logging"
)

// The client object is a wrapper to the Consul client provided by the
// Consul API library.
type consulClient struct {
	consul *consul.Client
	token  string
}

// NewConsulClient is used to construct a new Consul client using the
// default configuration and supporting the ability to specify a Consul API
// address endpoint in the form of address:port.
func NewConsulClient(addr, token string) (structs.ConsulClient, error) {
	config := consul.DefaultConfig()
	config.Address = addr
	if token != "" {
		config.Token = token
	}
	c, err := consul.NewClient(config)
	if err != nil {
		return nil, err
	}

	return &consulClient{consul: c, token: token}, nil
}

// CreateSession creates a Consul session for use in the leader election and
// starts the keep-alive renewal until the renew channel is closed.
func (c *consulClient) CreateSession(ttl int, renewChan chan struct{}) (string, error) {
	entry := &consul.SessionEntry{
		TTL:      fmt.Sprintf("%vs", ttl),
		Behavior: consul.SessionBehaviorDelete,
	}

	session := c.consul.Session()
	id, _, err := session.Create(entry, nil)
	if err != nil {
		return "", err
	}

	go func() {
		err := session.RenewPeriodic(entry.TTL, id, nil, renewChan)
		if err != nil {
			logging.Debug("client/consul: the session renewal for %v has "+
				"stopped: %v", id, err)
		}
	}()

	return id, nil
}

// AcquireLeadership attempts to acquire the leadership lock at the given
// key using the session. A session Consul no longer knows about is reset so
// the next election round creates a fresh one.
func (c *consulClient) AcquireLeadership(key string, session *string) bool {
	entry, _, err := c.consul.Session().Info(*session, nil)
	if err != nil || entry == nil {
		logging.Debug("client/consul: the session %v is no longer valid, "+
			"clearing it for recreation", *session)
		*session = ""
		return false
	}

	pair := &consul.KVPair{
		Key:     key,
		Value:   []byte(*session),
		Session: *session,
	}

	acquired, _, err := c.consul.KV().Acquire(pair, nil)
	if err != nil {
		logging.Error("client/consul: an error occurred while attempting to "+
			"acquire the leadership lock at %v: %v", key, err)
		return false
	}

	if acquired {
		return true
	}

	// The lock is held; report whether we are in fact the holder already.
	held, _, err := c.consul.KV().Get(key, nil)
	if err != nil || held == nil {
		return false
	}
	return held.Session == *session
}

// ResignLeadership releases the leadership lock so another agent can
// acquire it without waiting for the session TTL to expire.
func (c *consulClient) ResignLeadership(key, session string) error {
	pair := &consul.KVPair{
		Key:     key,
		Session: session,
	}

	released, _, err := c.consul.KV().Release(pair, nil)
	if err != nil {
		return fmt.Errorf("client/consul: an error occurred while attempting "+
			"to release the leadership lock at %v: %v", key, err)
	}
	if !released {
		return fmt.Errorf("client/consul: unable to release the leadership "+
			"lock at %v", key)
	}

	_, err = c.consul.Session().Destroy(session, nil)
	return err
}

// GetLeaderInfo populates the response with details of the current
// leadership lock holder.
func (c *consulClient) GetLeaderInfo(reply *structs.LeaderResponse,
	key *string, session string) error {

	pair, _, err := c.consul.KV().Get(*key, nil)
	if err != nil {
		return err
	}
	if pair == nil {
		return fmt.Errorf("client/consul: no leadership lock is present at %v", *key)
	}

	reply.Key = pair.Key
	reply.Session = pair.Session
	reply.LeaderSelf = session != "" && pair.Session == session

	entry, _, err := c.consul.Session().Info(pair.Session, nil)
	if err != nil || entry == nil {
		return nil
	}
	reply.FullAddress = entry.Node

	return nil
}

// WriteJobState persists the job status snapshot at the given key.
func (c *consulClient) WriteJobState(key string, state *structs.JobState) error {
	defer metrics.MeasureSince([]string{"consul", "state_write"}, time.Now())

	state.LastUpdated = time.Now()

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("client/consul: an error occurred while attempting "+
			"to serialize the job status snapshot: %v", err)
	}

	pair := &consul.KVPair{
		Key:   key,
		Value: payload,
	}

	if _, err := c.consul.KV().Put(pair, nil); err != nil {
		return fmt.Errorf("client/consul: an error occurred while attempting "+
			"to persist the job status snapshot at %v: %v", key, err)
	}

	logging.Debug("client/consul: persisted the job status snapshot at %v", key)
	return nil
}

// ReadJobState reads a previously written job status snapshot into state. A
// missing key leaves state untouched.
func (c *consulClient) ReadJobState(key string, state *structs.JobState) error {
	pair, _, err := c.consul.KV().Get(key, nil)
	if err != nil {
		return fmt.Errorf("client/consul: an error occurred while attempting "+
			"to read the job status snapshot at %v: %v", key, err)
	}
	if pair == nil {
		logging.Debug("client/consul: no job status snapshot is present at "+
			"%v", key)
		return nil
	}

	if err := json.Unmarshal(pair.Value, state); err != nil {
		return fmt.Errorf("client/consul: an error occurred while attempting "+
			"to deserialize the job status snapshot at %v: %v", key, err)
	}

	return nil
}
