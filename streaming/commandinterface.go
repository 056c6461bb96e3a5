package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// CommandInterfaceDispatcher handles an incoming JSON-RPC request and
// returns either a result (marshaled into the response's "result") or a
// JSON-RPC fault. Connection implements this to serve
// "<stream_id>.subscribe"/"<stream_id>.unsubscribe".
type CommandInterfaceDispatcher func(ctx context.Context, method string, params json.RawMessage) (any, *JSONRPCError)

// metadataSender is the subset of Connection the in-band command interface
// client needs: the ability to emit a signo=0 metadata message.
type metadataSender interface {
	sendMetadata(signo uint32, method string, params any) error
}

// CommandInterfaceClient allocates monotonically increasing JSON-RPC ids,
// sends requests, and correlates responses delivered later via
// HandleResponse. It supports both the in-band transport (over a
// Connection's signo=0 metadata channel) and an out-of-band HTTP POST
// endpoint, matching whichever the remote peer advertised in its "init"
// message: in-band ("jsonrpc") is preferred over HTTP ("jsonrpc-http")
// whenever both are available.
type CommandInterfaceClient struct {
	nextID atomic.Int64

	mutex   sync.Mutex
	pending map[int64]func(json.RawMessage, *JSONRPCError)

	// in-band transport
	sender metadataSender

	// HTTP transport, used instead of sender when non-nil
	httpURL    string
	httpMethod string
}

// NewInBandCommandInterfaceClient constructs a client that sends requests
// as signo=0 "request" metadata messages over sender (normally a
// Connection).
func NewInBandCommandInterfaceClient(sender metadataSender) *CommandInterfaceClient {
	return &CommandInterfaceClient{
		pending: map[int64]func(json.RawMessage, *JSONRPCError){},
		sender:  sender,
	}
}

// NewHTTPCommandInterfaceClient constructs a client that POSTs requests to
// the advertised HTTP command-interface endpoint ("jsonrpc-http": url and
// httpMethod).
func NewHTTPCommandInterfaceClient(url string, httpMethod string) *CommandInterfaceClient {
	if httpMethod == "" {
		httpMethod = http.MethodPost
	}
	return &CommandInterfaceClient{
		pending:    map[int64]func(json.RawMessage, *JSONRPCError){},
		httpURL:    url,
		httpMethod: httpMethod,
	}
}

// AsyncRequest sends method/params and invokes handler exactly once, either
// with a decoded result or a JSON-RPC fault, when the response arrives (or,
// for the in-band transport, when Cancel is called). For the HTTP transport
// the request/response round trip happens synchronously inside
// AsyncRequest's own goroutine using a short-lived *http.Client with no
// keep-alive; Cancel does not reach it, and it ends with ctx or the
// client's 10-second timeout.
func (c *CommandInterfaceClient) AsyncRequest(ctx context.Context, method string, params any, handler func(json.RawMessage, *JSONRPCError)) {
	if c.httpURL != "" {
		go c.doHTTPRequest(ctx, method, params, handler)
		return
	}

	id := c.nextID.Add(1)
	c.mutex.Lock()
	c.pending[id] = handler
	c.mutex.Unlock()

	req, err := newJSONRPCRequest(id, method, params)
	if err != nil {
		c.resolve(id, nil, NewJSONRPCError(JSONRPCInvalidParams, err.Error()))
		return
	}
	if err := c.sender.sendMetadata(0, "request", req); err != nil {
		c.resolve(id, nil, NewJSONRPCError(JSONRPCInternalError, err.Error()))
	}
}

func (c *CommandInterfaceClient) doHTTPRequest(ctx context.Context, method string, params any, handler func(json.RawMessage, *JSONRPCError)) {
	req, err := newJSONRPCRequest(c.nextID.Add(1), method, params)
	if err != nil {
		handler(nil, NewJSONRPCError(JSONRPCInvalidParams, err.Error()))
		return
	}
	body, err := json.Marshal(req)
	if err != nil {
		handler(nil, NewJSONRPCError(JSONRPCInternalError, err.Error()))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, c.httpMethod, c.httpURL, bytes.NewReader(body))
	if err != nil {
		handler(nil, NewJSONRPCError(JSONRPCInternalError, err.Error()))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Close = true // fresh, short-lived client per request, no keep-alive

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		handler(nil, NewJSONRPCError(JSONRPCInternalError, err.Error()))
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		handler(nil, NewJSONRPCError(JSONRPCInternalError, err.Error()))
		return
	}

	var rpcResp jsonrpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		handler(nil, NewJSONRPCError(JSONRPCParseError, err.Error()))
		return
	}
	handler(rpcResp.Result, rpcResp.Error)
}

// HandleResponse is fed a decoded "response" metadata message by the owning
// Connection and resolves the matching pending request, if any.
func (c *CommandInterfaceClient) HandleResponse(resp jsonrpcResponse) {
	id, err := resp.ID.Int64()
	if err != nil {
		return
	}
	c.resolve(id, resp.Result, resp.Error)
}

func (c *CommandInterfaceClient) resolve(id int64, result json.RawMessage, rpcErr *JSONRPCError) {
	c.mutex.Lock()
	handler, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mutex.Unlock()
	if ok {
		handler(result, rpcErr)
	}
}

// Cancel aborts every pending in-band request with a cancellation fault.
// HTTP requests are not tracked as pending and are not aborted by Cancel.
func (c *CommandInterfaceClient) Cancel() {
	c.mutex.Lock()
	pending := c.pending
	c.pending = map[int64]func(json.RawMessage, *JSONRPCError){}
	c.mutex.Unlock()

	for _, handler := range pending {
		handler(nil, NewJSONRPCError(JSONRPCServerError, ErrCanceled.Error()))
	}
}

// serveCommandInterfaceRequest synchronously invokes dispatcher and builds
// the JSON-RPC response object, used identically by the in-band "request"
// metadata handler and the HTTP POST servicer.
func serveCommandInterfaceRequest(ctx context.Context, dispatcher CommandInterfaceDispatcher, req jsonrpcRequest) jsonrpcResponse {
	result, rpcErr := func() (result any, rpcErr *JSONRPCError) {
		defer func() {
			if r := recover(); r != nil {
				glog.Errorf("command interface: panic in dispatcher for %q: %v", req.Method, r)
				rpcErr = NewJSONRPCError(JSONRPCInternalError, fmt.Sprintf("internal error: %v", r))
			}
		}()
		return dispatcher(ctx, req.Method, req.Params)
	}()

	if rpcErr != nil {
		return newJSONRPCFault(req.ID, rpcErr)
	}
	resp, err := newJSONRPCResult(req.ID, result)
	if err != nil {
		return newJSONRPCFault(req.ID, NewJSONRPCError(JSONRPCInternalError, err.Error()))
	}
	return resp
}
