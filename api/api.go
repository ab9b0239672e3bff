// Package api provides a thin Go client for the conductor agent's RPC
// endpoints.
package api

import (
	"fmt"
	"net"
	"time"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	"github.com/elastic-core-engineering/conductor/conductor"
)

// DefaultDialTimeout bounds the connection attempt to the agent.
const DefaultDialTimeout = 5 * time.Second

// Client provides a client to the conductor agent API.
type Client struct {
	// Address is the RPC address of the conductor agent.
	Address string
}

// NewClient returns a client for the agent listening at the given RPC
// address.
func NewClient(address string) *Client {
	return &Client{Address: address}
}

// call performs a single RPC round trip against the agent.
func (c *Client) call(method string, args interface{}, reply interface{}) error {
	conn, err := net.DialTimeout("tcp", c.Address, DefaultDialTimeout)
	if err != nil {
		return fmt.Errorf("api: unable to reach the conductor agent at %v: %v",
			c.Address, err)
	}
	defer conn.Close()

	codec := msgpackrpc.NewCodecFromHandle(true, true, conn,
		conductor.HashiMsgpackHandle)
	return msgpackrpc.CallWithCodec(codec, method, args, reply)
}

// Status returns a handle to the status endpoints.
func (c *Client) Status() *Status {
	return &Status{client: c}
}
