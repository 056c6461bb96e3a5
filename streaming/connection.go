package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/golang/glog"
)

// MinAPIVersion is the lowest negotiated protocol version a client will
// complete its hello handshake against.
const MinAPIVersion = "2.0.0"

// commandMethodSubscribe/commandMethodUnsubscribe name the two actions a
// peer can request over the command interface, addressed as
// "<stream_id>.subscribe" / "<stream_id>.unsubscribe".
const (
	commandMethodSubscribe   = "subscribe"
	commandMethodUnsubscribe = "unsubscribe"
)

type apiVersionParams struct {
	Version string `msgpack:"version"`
}

type initParams struct {
	StreamID          string         `msgpack:"streamId"`
	CommandInterfaces map[string]any `msgpack:"commandInterfaces"`
}

type availableParams struct {
	SignalIDs []string `msgpack:"signalIds"`
}

type subscribeWireParams struct {
	SignalID string `msgpack:"signalId"`
}

// httpCommandInterfaceInfo is the "jsonrpc-http" entry of an "init"
// message's commandInterfaces map.
type httpCommandInterfaceInfo struct {
	URL        string `msgpack:"url"`
	HTTPMethod string `msgpack:"httpMethod"`
}

// Connection is the symmetric per-peer state machine: it owns a Peer,
// negotiates the hello handshake, allocates signos, routes metadata by
// method name, and runs the subscribe/unsubscribe protocol with
// explicit/implicit reference counting.
//
// All state below events/closed is touched only from the dispatch
// goroutine started by Start. Incoming frames and public methods alike are
// funneled through the events channel so nothing ever mutates connection
// state from two goroutines at once.
type Connection struct {
	peer       *Peer
	isClient   bool
	localID    string
	remoteID   string
	dispatcher CommandInterfaceDispatcher

	apiVersion string
	helloSent  atomic.Bool
	closed     atomic.Bool

	nextSigno uint32

	localSignals map[string]*LocalSignal
	registered   map[string]*RegisteredLocalSignal // by local signal id, lazily created on first subscribe
	localBySigno map[uint32]*RegisteredLocalSignal

	remoteByID    map[string]*RemoteSignal
	remoteBySigno map[uint32]*RemoteSignal

	cmdClient *CommandInterfaceClient

	// httpCommandInterface, if set, is advertised in the "init" message's
	// commandInterfaces map as "jsonrpc-http" alongside the always-present
	// in-band "jsonrpc" entry: a server with a command interface port
	// offers both transports, and a peer without in-band support falls
	// back to HTTP.
	httpCommandInterface *httpCommandInterfaceInfo

	events chan func()
	done   chan struct{}

	onAvailable    event1[*RemoteSignal]
	onUnavailable  event1[*RemoteSignal]
	onDisconnected event1[error]

	frameSlot Slot[func(int, []byte)]
	closeSlot Slot[func(error)]

	earlyFrames []earlyFrame // queued by SeedEarlyFrame, replayed by Start before peer.Start()
}

type earlyFrame struct {
	opcode  int
	payload []byte
}

// NewConnection constructs a Connection around an already-handshaken Peer.
// localID and remoteID are this side's and the peer's stream identifiers
// (normally "ip:port" of each socket endpoint).
func NewConnection(peer *Peer, isClient bool, localID, remoteID string) *Connection {
	c := &Connection{
		peer:          peer,
		isClient:      isClient,
		localID:       localID,
		remoteID:      remoteID,
		localSignals:  map[string]*LocalSignal{},
		registered:    map[string]*RegisteredLocalSignal{},
		localBySigno:  map[uint32]*RegisteredLocalSignal{},
		remoteByID:    map[string]*RemoteSignal{},
		remoteBySigno: map[uint32]*RemoteSignal{},
		events:        make(chan func(), 64),
		done:          make(chan struct{}),
	}
	c.dispatcher = c.serveCommandInterface
	return c
}

func (c *Connection) OnAvailable(fn func(*RemoteSignal)) Slot[func(*RemoteSignal)] {
	return c.onAvailable.On(fn)
}
func (c *Connection) OnUnavailable(fn func(*RemoteSignal)) Slot[func(*RemoteSignal)] {
	return c.onUnavailable.On(fn)
}
func (c *Connection) OnDisconnected(fn func(error)) Slot[func(error)] {
	return c.onDisconnected.On(fn)
}

// LocalID and RemoteID expose the stream identifiers used both for the
// "init" handshake message and for command-interface method-name routing.
func (c *Connection) LocalID() string  { return c.localID }
func (c *Connection) RemoteID() string { return c.remoteID }

// SetDispatcher overrides the default command-interface dispatcher
// (subscribe/unsubscribe routing). Must be called before Start.
func (c *Connection) SetDispatcher(d CommandInterfaceDispatcher) {
	c.dispatcher = d
}

// SeedEarlyFrame queues a decoded WebSocket frame to be processed as soon
// as Start's dispatch goroutine is running, strictly before the peer's own
// read loop begins consuming the socket. It exists for callers that had to
// read the opening handshake themselves (e.g. client.go's drain of
// gorilla/websocket's internal buffer) and may already have pulled frames
// off the wire that Peer never got to see. Must be called before Start.
func (c *Connection) SeedEarlyFrame(opcode int, payload []byte) {
	c.earlyFrames = append(c.earlyFrames, earlyFrame{opcode: opcode, payload: payload})
}

// SeedEarlyData injects raw bytes already read off the wire by a caller
// that had to parse the opening handshake itself (an http.Hijacker's
// buffered reader, for instance). It delegates to the peer directly rather
// than queuing a decoded frame, since these bytes haven't been through
// WebSocket framing yet. Must be called before Start.
func (c *Connection) SeedEarlyData(data []byte) error {
	return c.peer.SeedEarlyData(data)
}

// Start launches the peer's I/O goroutines and this connection's dispatch
// goroutine, then, for the server side, sends the hello sequence
// immediately.
func (c *Connection) Start() {
	c.frameSlot = c.peer.OnFrame(func(opcode int, payload []byte) {
		c.enqueue(func() { c.handleFrame(opcode, payload) })
	})
	c.closeSlot = c.peer.OnClose(func(err error) {
		c.enqueue(func() { c.handleClosed(err) })
	})

	go c.dispatchLoop()

	// Replay anything seeded via SeedEarlyFrame before the peer's read loop
	// starts pulling fresh bytes off the socket, so ordering between the
	// two sources is never in question.
	for _, f := range c.earlyFrames {
		opcode, payload := f.opcode, f.payload
		c.enqueue(func() { c.handleFrame(opcode, payload) })
	}
	c.earlyFrames = nil

	c.peer.Start()

	if !c.isClient {
		c.enqueue(c.sendHello)
	}
}

func (c *Connection) dispatchLoop() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

// enqueue schedules fn to run on the dispatch goroutine. Safe to call from
// any goroutine, including from within the dispatch goroutine itself.
func (c *Connection) enqueue(fn func()) {
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// SetHTTPCommandInterface advertises an out-of-band HTTP JSON-RPC command
// interface endpoint in this connection's "init" message, alongside the
// always-present in-band transport. Must be called before Start.
func (c *Connection) SetHTTPCommandInterface(url, httpMethod string) {
	c.httpCommandInterface = &httpCommandInterfaceInfo{URL: url, HTTPMethod: httpMethod}
}

func (c *Connection) sendHello() {
	_ = c.sendMetadata(0, "apiVersion", apiVersionParams{Version: MinAPIVersion})
	commandInterfaces := map[string]any{"jsonrpc": true}
	if c.httpCommandInterface != nil {
		commandInterfaces["jsonrpc-http"] = c.httpCommandInterface
	}
	_ = c.sendMetadata(0, "init", initParams{
		StreamID:          c.localID,
		CommandInterfaces: commandInterfaces,
	})
	if len(c.localSignals) > 0 {
		ids := make([]string, 0, len(c.localSignals))
		for id := range c.localSignals {
			ids = append(ids, id)
		}
		_ = c.sendMetadata(0, "available", availableParams{SignalIDs: ids})
	}
	c.helloSent.Store(true)
}

// AddLocalSignal registers signal as available to the peer. If the hello
// handshake already completed, a late-joining "available" announcement is
// sent immediately; otherwise it rides along with the signals advertised in
// the pending hello.
func (c *Connection) AddLocalSignal(signal *LocalSignal) {
	c.enqueue(func() {
		if _, ok := c.localSignals[signal.ID()]; ok {
			return
		}
		c.localSignals[signal.ID()] = signal
		if c.helloSent.Load() {
			_ = c.sendMetadata(0, "available", availableParams{SignalIDs: []string{signal.ID()}})
		}
	})
}

// RemoveLocalSignal withdraws signal. Any active registration is closed
// and a late "unavailable" announcement is sent if the hello handshake has
// completed.
func (c *Connection) RemoveLocalSignal(id string) {
	c.enqueue(func() {
		if _, ok := c.localSignals[id]; !ok {
			return
		}
		delete(c.localSignals, id)
		if reg, ok := c.registered[id]; ok {
			delete(c.registered, id)
			delete(c.localBySigno, reg.Signo())
			reg.Close()
		}
		if c.helloSent.Load() {
			_ = c.sendMetadata(0, "unavailable", availableParams{SignalIDs: []string{id}})
		}
	})
}

// ensureRegisteredLocal lazily allocates a signo and RegisteredLocalSignal
// for a known local signal id, on first subscribe: the publisher is the
// side that assigns signos. Must run on the dispatch goroutine.
func (c *Connection) ensureRegisteredLocal(id string) *RegisteredLocalSignal {
	if reg, ok := c.registered[id]; ok {
		return reg
	}
	signal, ok := c.localSignals[id]
	if !ok {
		return nil
	}
	c.nextSigno++
	signo := c.nextSigno
	reg := NewRegisteredLocalSignal(signal, signo, c, c.lookupLocalDomain)
	c.registered[id] = reg
	c.localBySigno[signo] = reg
	reg.OnSubscriptionChanged(func(subscribed bool) {
		c.enqueue(func() { c.onLocalSubscriptionChanged(reg, subscribed) })
	})
	return reg
}

func (c *Connection) lookupLocalDomain(id string) (domainBinding, bool) {
	reg := c.ensureRegisteredLocal(id)
	if reg == nil {
		return domainBinding{}, false
	}
	return domainBinding{signo: reg.Signo(), table: reg.LinearTable()}, true
}

// onLocalSubscriptionChanged runs the publisher side of the subscribe
// protocol and cascades the implicit subscription to a declared domain
// signal, if any.
func (c *Connection) onLocalSubscriptionChanged(reg *RegisteredLocalSignal, subscribed bool) {
	if subscribed {
		md := reg.Signal().Metadata()
		_ = c.sendMetadata(reg.Signo(), "subscribe", subscribeWireParams{SignalID: reg.Signal().ID()})
		_ = c.sendMetadata(reg.Signo(), "signal", md.WithValueIndex(reg.ValueIndex()).Raw())
	} else {
		_ = c.sendMetadata(reg.Signo(), "unsubscribe", subscribeWireParams{SignalID: reg.Signal().ID()})
	}

	tableID := reg.Signal().Metadata().TableID()
	if tableID == "" || tableID == reg.Signal().ID() {
		return
	}
	domainReg := c.ensureRegisteredLocal(tableID)
	if domainReg == nil {
		return
	}
	if subscribed {
		domainReg.IncrementImplicitSubscribers()
	} else {
		domainReg.DecrementImplicitSubscribers()
	}
}

// serveCommandInterface is the default CommandInterfaceDispatcher: it
// serves "<local_id>.subscribe" and "<local_id>.unsubscribe". It assumes
// it is running on the dispatch goroutine: the in-band "request"
// metadata handler calls it directly (it is already there); the HTTP
// servicer instead goes through DispatchAcrossStrand, which hops onto the
// dispatch goroutine first.
func (c *Connection) serveCommandInterface(ctx context.Context, method string, params json.RawMessage) (any, *JSONRPCError) {
	prefix := c.localID + "."
	if !strings.HasPrefix(method, prefix) {
		return nil, ErrMethodNotFound(method)
	}
	action := strings.TrimPrefix(method, prefix)
	if action != commandMethodSubscribe && action != commandMethodUnsubscribe {
		return nil, ErrMethodNotFound(method)
	}

	ids, single, err := decodeSignalIDsParam(params)
	if err != nil {
		return nil, ErrInvalidParams(err.Error())
	}

	results := make([]bool, len(ids))
	for i, id := range ids {
		reg := c.ensureRegisteredLocal(id)
		if reg == nil {
			results[i] = false
			continue
		}
		reg.SetExplicitlySubscribed(action == commandMethodSubscribe)
		results[i] = true
	}

	if single {
		return results[0], nil
	}
	return results, nil
}

// DispatchAcrossStrand invokes this connection's dispatcher from any
// goroutine (the HTTP command-interface servicer's handler goroutine,
// typically), hopping onto the dispatch goroutine first so the dispatcher
// never races frame processing.
func (c *Connection) DispatchAcrossStrand(ctx context.Context, method string, params json.RawMessage) (any, *JSONRPCError) {
	type outcome struct {
		result any
		rpcErr *JSONRPCError
	}
	resultCh := make(chan outcome, 1)
	c.enqueue(func() {
		result, rpcErr := c.dispatcher(ctx, method, params)
		resultCh <- outcome{result: result, rpcErr: rpcErr}
	})
	select {
	case out := <-resultCh:
		return out.result, out.rpcErr
	case <-c.done:
		return nil, NewJSONRPCError(JSONRPCServerError, ErrClosed.Error())
	}
}

// handleFrame dispatches one already-unmasked application frame: TEXT is
// ignored, BINARY is decoded as a streaming packet.
func (c *Connection) handleFrame(opcode int, payload []byte) {
	if opcode != wsOpBinary {
		return
	}
	header, err := decodePacketHeader(payload)
	if err != nil || header.HeaderSize == 0 {
		return
	}
	body := payload[header.HeaderSize:]
	if int64(len(body)) < int64(header.PayloadSize) {
		return
	}
	body = body[:header.PayloadSize]

	switch header.Type {
	case PacketTypeMetadata:
		c.handleMetadataPacket(header.Signo, body)
	case PacketTypeData:
		c.handleDataPacket(header.Signo, body)
	}
}

func (c *Connection) handleMetadataPacket(signo uint32, body []byte) {
	method, params, err := decodeMetadataPacketPayload(body)
	if err != nil {
		return // malformed metadata payload: silently dropped
	}

	if signo == 0 {
		c.handleConnectionMetadata(method, params)
		return
	}
	c.handleSignalMetadata(signo, method, params)
}

// validateUTF8 closes the peer with ErrBadUTF8 and reports false if any of
// values is not well-formed UTF-8. Required string fields off the wire are
// checked here rather than left to corrupt downstream state.
func (c *Connection) validateUTF8(values ...string) bool {
	for _, v := range values {
		if !utf8.ValidString(v) {
			c.peer.Close(ErrBadUTF8)
			return false
		}
	}
	return true
}

func (c *Connection) handleConnectionMetadata(method string, params msgpackRawMessage) {
	switch method {
	case "apiVersion":
		var p apiVersionParams
		if decodeParamsInto(params, &p) != nil {
			return
		}
		if !c.validateUTF8(p.Version) {
			return
		}
		c.apiVersion = p.Version
		if c.isClient && !c.helloSent.Load() && compareSemver(p.Version, MinAPIVersion) >= 0 {
			c.sendHello()
		}

	case "init":
		var p initParams
		if decodeParamsInto(params, &p) != nil {
			return
		}
		if !c.validateUTF8(p.StreamID) {
			return
		}
		c.remoteID = p.StreamID
		c.setupCommandInterfaceClient(p.CommandInterfaces)

	case "available":
		var p availableParams
		if decodeParamsInto(params, &p) != nil {
			return
		}
		if !c.validateUTF8(p.SignalIDs...) {
			return
		}
		for _, id := range p.SignalIDs {
			if _, ok := c.remoteByID[id]; ok {
				continue
			}
			remote := NewRemoteSignal(id)
			c.remoteByID[id] = remote
			remote.onSubscribeRequested(func() {
				c.requestRemoteSubscribe(remote, true)
			})
			remote.onUnsubscribeRequested(func() {
				c.requestRemoteSubscribe(remote, false)
			})
			c.onAvailable.Emit(remote)
		}

	case "unavailable":
		var p availableParams
		if decodeParamsInto(params, &p) != nil {
			return
		}
		if !c.validateUTF8(p.SignalIDs...) {
			return
		}
		for _, id := range p.SignalIDs {
			remote, ok := c.remoteByID[id]
			if !ok {
				continue
			}
			delete(c.remoteByID, id)
			if remote.Signo() != 0 {
				delete(c.remoteBySigno, remote.Signo())
			}
			remote.Detach()
			c.onUnavailable.Emit(remote)
		}

	case "request":
		var req jsonrpcRequest
		if decodeParamsInto(params, &req) != nil {
			return
		}
		resp := serveCommandInterfaceRequest(context.Background(), c.dispatcher, req)
		_ = c.sendMetadata(0, "response", resp)

	case "response":
		var resp jsonrpcResponse
		if decodeParamsInto(params, &resp) != nil {
			return
		}
		if c.cmdClient != nil {
			c.cmdClient.HandleResponse(resp)
		}

	default:
		// unknown method: ignored, for forward compatibility with peers
		// speaking a newer protocol revision.
	}
}

func (c *Connection) handleSignalMetadata(signo uint32, method string, params msgpackRawMessage) {
	if method == "subscribe" {
		var p subscribeWireParams
		if decodeParamsInto(params, &p) != nil {
			return
		}
		if !c.validateUTF8(p.SignalID) {
			return
		}
		remote, ok := c.remoteByID[p.SignalID]
		if !ok {
			return // unknown signal id: dropped
		}
		c.remoteBySigno[signo] = remote
		// setSigno is unexported but same-package; called here rather than
		// from RemoteSignal itself since only Connection knows the signo.
		remote.setSigno(signo)
		remote.HandleMetadata(method, params, c.lookupRemoteDomain)
		return
	}

	remote, ok := c.remoteBySigno[signo]
	if !ok {
		return // unknown signo: dropped
	}
	if method == "unsubscribe" {
		delete(c.remoteBySigno, signo)
	}
	remote.HandleMetadata(method, params, c.lookupRemoteDomain)
}

func (c *Connection) lookupRemoteDomain(id string) *LinearTable {
	remote, ok := c.remoteByID[id]
	if !ok {
		return nil
	}
	return remote.ownTable
}

func (c *Connection) handleDataPacket(signo uint32, payload []byte) {
	remote, ok := c.remoteBySigno[signo]
	if !ok {
		return // unknown signo on data packet: dropped
	}
	remote.HandleData(payload)
}

func (c *Connection) handleClosed(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	for id, remote := range c.remoteByID {
		remote.Detach()
		c.onUnavailable.Emit(remote)
		delete(c.remoteByID, id)
	}
	c.remoteBySigno = map[uint32]*RemoteSignal{}
	for _, reg := range c.registered {
		reg.Close()
	}
	c.onDisconnected.Emit(err)
	close(c.done)
}

// Close initiates a graceful shutdown: a CLOSE frame is sent and the peer
// tears down only once the bidirectional CLOSE exchange completes, not
// merely once the outbound frame is written.
func (c *Connection) Close() {
	c.enqueue(func() {
		if c.closed.Load() {
			return
		}
		_ = c.peer.SendFrame(wsOpClose, nil)
	})
}

// sendMetadata implements metadataSender and is also used directly by
// connection-internal protocol handlers.
func (c *Connection) sendMetadata(signo uint32, method string, params any) error {
	payload, err := encodeMetadataPacketPayload(method, params)
	if err != nil {
		return err
	}
	return c.sendPacket(signo, PacketTypeMetadata, payload)
}

// sendPacket implements packetSender.
func (c *Connection) sendPacket(signo uint32, typ uint32, payload []byte) error {
	frame, err := encodeStreamingPacket(signo, typ, payload)
	if err != nil {
		return err
	}
	return c.peer.SendFrame(wsOpBinary, frame)
}

func (c *Connection) setupCommandInterfaceClient(commandInterfaces map[string]any) {
	if _, ok := commandInterfaces["jsonrpc"]; ok {
		c.cmdClient = NewInBandCommandInterfaceClient(c)
		return
	}
	if httpInfo, ok := commandInterfaces["jsonrpc-http"]; ok {
		if m, ok := httpInfo.(map[string]any); ok {
			url, _ := m["url"].(string)
			httpMethod, _ := m["httpMethod"].(string)
			if url != "" {
				c.cmdClient = NewHTTPCommandInterfaceClient(url, httpMethod)
			}
		}
	}
}

// requestRemoteSubscribe issues a command-interface request asking the peer
// to subscribe/unsubscribe us to/from remote.ID(), addressed as
// "<remote_stream_id>.subscribe" / ".unsubscribe".
func (c *Connection) requestRemoteSubscribe(remote *RemoteSignal, subscribe bool) {
	if c.cmdClient == nil {
		glog.Warningf("streaming: no command interface available to subscribe %q", remote.ID())
		return
	}
	action := commandMethodUnsubscribe
	if subscribe {
		action = commandMethodSubscribe
	}
	method := c.remoteID + "." + action
	c.cmdClient.AsyncRequest(context.Background(), method, remote.ID(), func(result json.RawMessage, rpcErr *JSONRPCError) {
		if rpcErr != nil {
			glog.Warningf("streaming: %s failed: %s", method, rpcErr.Message)
		}
	})
}

// compareSemver compares two "a.b.c" version strings, returning -1, 0, or 1.
// Hand-rolled rather than imported: no third-party semver dependency
// appears anywhere in this module's stack, and the comparison needed here
// is a three-component numeric compare, nothing a parser library would
// meaningfully simplify.
func compareSemver(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < 3; i++ {
		na, nb := semverPart(pa, i), semverPart(pb, i)
		if na != nb {
			if na > nb {
				return 1
			}
			return -1
		}
	}
	return 0
}

func semverPart(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0
	}
	return n
}

// decodeSignalIDsParam accepts either a bare signal id string or an array
// of signal ids. single reports whether the caller passed one bare id (so
// the result should be unwrapped back to a single bool).
func decodeSignalIDsParam(params json.RawMessage) (ids []string, single bool, err error) {
	var one string
	if json.Unmarshal(params, &one) == nil && one != "" {
		return []string{one}, true, nil
	}
	var many []string
	if decErr := json.Unmarshal(params, &many); decErr != nil {
		return nil, false, fmt.Errorf("streaming: invalid signal id parameter: %w", decErr)
	}
	return many, false, nil
}
