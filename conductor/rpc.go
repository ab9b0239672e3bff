package conductor

import (
	"io"
	"net"
	"net/rpc"
	"reflect"
	"strings"
	"time"

	metrics "github.com/armon/go-metrics"
	hcodec "github.com/hashicorp/go-msgpack/v2/codec"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	"github.com/elastic-core-engineering/conductor/logging"
)

// acceptRetryDelay throttles the accept loop after a transient listener
// error so it does not spin.
const acceptRetryDelay = 250 * time.Millisecond

// HashiMsgpackHandle is the codec configuration shared by the RPC server
// and the API client.
var HashiMsgpackHandle = func() *hcodec.MsgpackHandle {
	h := &hcodec.MsgpackHandle{}
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}()

// NewServerCodec returns a new rpc.ServerCodec to be used by the conductor
// server to process RPC requests.
func NewServerCodec(conn io.ReadWriteCloser) rpc.ServerCodec {
	return msgpackrpc.NewCodecFromHandle(true, true, conn, HashiMsgpackHandle)
}

// listen accepts connections until the server shuts down. The status
// endpoints answer on followers too, so operators can query any agent in a
// standby pair.
func (s *Server) listen() {
	for {
		conn, err := s.rpcListener.Accept()
		if err != nil {
			if s.shutdown {
				return
			}
			logging.Error("core/rpc: failed to accept RPC connection: %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		metrics.IncrCounter([]string{"rpc", "connections"}, 1)
		go s.handleConn(conn)
	}
}

// handleConn serves requests from one connection until the peer hangs up or
// the server shuts down.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	rpcCodec := NewServerCodec(conn)

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
		}

		if err := s.rpcServer.ServeRequest(rpcCodec); err != nil {
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				metrics.IncrCounter([]string{"rpc", "request_error"}, 1)
				logging.Error("core/rpc: failed to serve RPC request from "+
					"%v: %v", conn.RemoteAddr(), err)
			}
			return
		}

		metrics.IncrCounter([]string{"rpc", "requests"}, 1)
	}
}
