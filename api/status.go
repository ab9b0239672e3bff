package api

import (
	"github.com/elastic-core-engineering/conductor/conductor"
	"github.com/elastic-core-engineering/conductor/conductor/structs"
)

// Status wraps the agent's status RPC endpoints.
type Status struct {
	client *Client
}

// Leader returns details of the agent currently holding the leadership
// lock.
func (s *Status) Leader() (*structs.LeaderResponse, error) {
	var reply structs.LeaderResponse
	if err := s.client.call("Status.Leader", struct{}{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Job returns a summary of the supervised training job.
func (s *Status) Job() (*conductor.JobStatusResponse, error) {
	var reply conductor.JobStatusResponse
	if err := s.client.call("Status.Job", struct{}{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
