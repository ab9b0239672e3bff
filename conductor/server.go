package conductor

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
	"github.com/elastic-core-engineering/conductor/logging"
)

// jobStateWriteInterval is how often the leader writes the job status
// snapshot to Consul for operator visibility.
const jobStateWriteInterval = 30

// Server is the conductor server that is responsible for running the node
// manager and the agent RPC API. When a Consul endpoint is configured, the
// node manager is started once the agent acquires the leadership lock and
// dispatches relaunches only while the agent holds it; without Consul the
// agent supervises unconditionally.
type Server struct {
	// candidate is our LeaderCandidate for the server instance, nil in
	// single-instance mode.
	candidate *LeaderCandidate
	leaderKey string

	// config is the Config that created this Server. It is used internally
	// to construct other objects and pass data.
	config *structs.Config

	managerLock sync.Mutex
	manager     *NodeManager

	// endpoints represents the conductor API endpoints.
	endpoints endpoints

	rpcListener net.Listener
	rpcServer   *rpc.Server

	shutdown     bool
	shutdownChan chan struct{}
}

// endpoints represents the conductor API endpoints.
type endpoints struct {
	Status *Status
}

// NewServer is the main entry point into conductor and launches processes
// based on the configuration.
func NewServer(config *structs.Config) (*Server, error) {

	s := &Server{
		config:       config,
		rpcServer:    rpc.NewServer(),
		shutdownChan: make(chan struct{}),
	}

	if config.ConsulClient != nil {
		// Setup our LeaderCandidate object for leader elections and session
		// renewal. Supervision follows the lock: acquiring it starts or
		// resumes the node manager, losing it suspends relaunch dispatch.
		s.leaderKey = config.ConsulKeyRoot + "/" + "leader"
		s.candidate = newLeaderCandidate(config.ConsulClient, s.leaderKey,
			config.JobName, leaderLockTimeout,
			s.leadershipAcquired, s.leadershipLost)
		go s.leaderTicker()
	}

	go s.superviseTicker()

	if err := s.setupRPC(); err != nil {
		s.Shutdown()
		return nil, fmt.Errorf("failed to start RPC layer: %v", err)
	}

	// Start the RPC listeners
	go s.listen()
	logging.Info("core/server: the RPC server has started and is listening "+
		"at %v", s.rpcListener.Addr())

	return s, nil
}

// NodeManager returns the node manager, or nil until the agent first starts
// supervising. A manager started earlier is still returned after the agent
// loses the leadership lock.
func (s *Server) NodeManager() *NodeManager {
	s.managerLock.Lock()
	defer s.managerLock.Unlock()
	return s.manager
}

// leadershipAcquired starts the node manager on first acquisition and
// resumes relaunch dispatch on reacquisitions.
func (s *Server) leadershipAcquired() {
	if err := s.ensureManager(); err != nil {
		logging.Error("core/server: unable to start the node manager: %v", err)
		return
	}
	s.NodeManager().ResumeRelaunches()
}

// leadershipLost suspends relaunch dispatch while another agent holds the
// lock. The local model keeps ingesting events so a reacquisition resumes
// from current state.
func (s *Server) leadershipLost() {
	if manager := s.NodeManager(); manager != nil {
		manager.PauseRelaunches()
	}
}

// Shutdown halts the execution of the server.
func (s *Server) Shutdown() {
	if s.candidate != nil {
		s.candidate.resign()
	}

	s.managerLock.Lock()
	if s.manager != nil {
		s.manager.Stop()
	}
	s.managerLock.Unlock()

	// Shutdown the RPC listener.
	if s.rpcListener != nil {
		logging.Info("core/server: shutting down RPC server at %v",
			s.rpcListener.Addr())
		s.shutdown = true
		s.rpcListener.Close()
	}

	close(s.shutdownChan)
}

func (s *Server) leaderTicker() {
	ticker := time.NewTicker(
		time.Second * time.Duration(leaderElectionInterval),
	)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Run one election round; supervision transitions are driven
			// by the candidate's hooks.
			s.candidate.campaign()
		case <-s.shutdownChan:
			return
		}
	}
}

// superviseTicker starts the node manager once the agent is allowed to
// supervise and, while it runs, periodically writes the job status snapshot
// for operators.
func (s *Server) superviseTicker() {
	ticker := time.NewTicker(time.Second * time.Duration(jobStateWriteInterval))
	defer ticker.Stop()

	// Single-instance mode supervises immediately rather than waiting for
	// the first tick.
	if s.candidate == nil {
		if err := s.ensureManager(); err != nil {
			logging.Error("core/server: unable to start the node manager: %v", err)
		}
	}

	for {
		select {
		case <-ticker.C:
			if s.candidate != nil && !s.candidate.isLeader() {
				continue
			}

			if err := s.ensureManager(); err != nil {
				logging.Error("core/server: unable to start the node "+
					"manager: %v", err)
				continue
			}

			s.writeJobState()

		case <-s.shutdownChan:
			return
		}
	}
}

// ensureManager creates and starts the node manager on first use.
func (s *Server) ensureManager() error {
	s.managerLock.Lock()
	defer s.managerLock.Unlock()

	if s.manager != nil {
		return nil
	}

	manager, err := CreateNodeManager(s.config)
	if err != nil {
		return err
	}

	if s.config.Notification != nil && len(s.config.Notification.Notifiers) > 0 {
		manager.AddNodeEventCallback(NewFailureNotifyCallback(
			s.config.Notification, s.config.JobName))
	}

	if err := manager.Start(); err != nil {
		return err
	}

	s.manager = manager
	return nil
}

// writeJobState persists a summary of the supervised job to Consul. The
// snapshot is purely observational; a restarted agent rebuilds its model
// from a fresh cluster list.
func (s *Server) writeJobState() {
	if s.config.ConsulClient == nil {
		return
	}

	manager := s.NodeManager()
	if manager == nil {
		return
	}

	state := &structs.JobState{
		JobUUID:           manager.JobUUID(),
		NodeCounts:        manager.NodeCounts(),
		PendingRelaunches: manager.PendingRelaunchCount(),
		LastUpdated:       time.Now(),
	}

	key := s.config.ConsulKeyRoot + "/" + "state"
	if err := s.config.ConsulClient.WriteJobState(key, state); err != nil {
		logging.Error("core/server: unable to persist the job status "+
			"snapshot: %v", err)
	}
}

// setupRPC is used to setup our endpoints and register the handlers as well
// as setup the RPC listener.
func (s *Server) setupRPC() error {

	s.endpoints.Status = &Status{s}
	s.rpcServer.Register(s.endpoints.Status)

	addr := s.config.RPCAddr
	if addr == nil {
		addr = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1314}
	}

	list, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	s.rpcListener = list

	// Verify that we have a usable advertise address
	tcpAddr, ok := s.rpcListener.Addr().(*net.TCPAddr)
	if !ok {
		list.Close()
		return fmt.Errorf("RPC advertise address is not a TCP Address: %v", tcpAddr)
	}

	return nil
}
