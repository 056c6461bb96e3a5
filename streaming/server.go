package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// Default port numbers specified by the protocol.
const (
	DefaultPort                 = 7414
	DefaultCommandInterfacePort = 7438
)

// Server asynchronously accepts and manages connections from clients. The
// application configures it with one or more TCP listeners via AddListener
// or AddDefaultListeners, then calls Run.
//
// A server can publish signal data to connected clients by calling
// AddLocalSignal; every current and future connection advertises the
// signal. It can also consume signal data from clients: OnAvailable
// aggregates every connection's own OnAvailable event, so an application
// reacts to signal availability without tracking individual connections.
//
// One net.Listener plus net/http.Server pair runs per port, each on its
// own goroutine wrapped in a panic-recovering guard.
type Server struct {
	mutex    sync.Mutex
	closed   bool
	started  bool
	entries  []*serverListenerEntry
	conns    map[string]*Connection // by local_stream_id
	signals  map[string]*LocalSignal
	signalIDs []string // insertion order, mirrors the original's _ordered_signals

	commandInterfacePort uint16

	onAvailable          event2[*Connection, *RemoteSignal]
	onUnavailable        event2[*Connection, *RemoteSignal]
	onClientConnected    event1[*Connection]
	onClientDisconnected event2[*Connection, error]
}

type serverListenerEntry struct {
	port                 uint16
	listener             net.Listener
	httpServer           *http.Server
	makeCommandInterface bool
}

// NewServer constructs an idle server with no listeners.
func NewServer() *Server {
	return &Server{
		conns:   map[string]*Connection{},
		signals: map[string]*LocalSignal{},
	}
}

func (s *Server) OnAvailable(fn func(*Connection, *RemoteSignal)) Slot[func(*Connection, *RemoteSignal)] {
	return s.onAvailable.On(fn)
}
func (s *Server) OnUnavailable(fn func(*Connection, *RemoteSignal)) Slot[func(*Connection, *RemoteSignal)] {
	return s.onUnavailable.On(fn)
}
func (s *Server) OnClientConnected(fn func(*Connection)) Slot[func(*Connection)] {
	return s.onClientConnected.On(fn)
}
func (s *Server) OnClientDisconnected(fn func(*Connection, error)) Slot[func(*Connection, error)] {
	return s.onClientDisconnected.On(fn)
}

// AddListener adds a TCP listener on port. If makeCommandInterface is true,
// this port is also advertised to every connection as the out-of-band HTTP
// JSON-RPC command interface endpoint. Must be called before Run.
func (s *Server) AddListener(port uint16, makeCommandInterface bool) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("streaming: listen on port %d: %w", port, err)
	}

	servicer := &HTTPServicer{
		NewConnection: s.newIncomingConnection,
		Dispatch:      s.dispatchCommandInterface,
	}
	entry := &serverListenerEntry{
		port:                 port,
		listener:             ln,
		httpServer:           &http.Server{Handler: servicer},
		makeCommandInterface: makeCommandInterface,
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.started {
		ln.Close()
		return fmt.Errorf("streaming: AddListener called after Run: %w", ErrAlreadyRunning)
	}
	if makeCommandInterface {
		s.commandInterfacePort = port
	}
	s.entries = append(s.entries, entry)
	return nil
}

// AddDefaultListeners adds listeners for the two standard ports,
// DefaultPort (the WebSocket streaming port) and DefaultCommandInterfacePort
// (the HTTP command interface port).
func (s *Server) AddDefaultListeners() error {
	if err := s.AddListener(DefaultPort, false); err != nil {
		return err
	}
	return s.AddListener(DefaultCommandInterfacePort, true)
}

// Run activates every added listener, serving each on its own goroutine.
// Do not call AddListener after calling Run. A second call to Run is a
// no-op save for a warning: listeners are already being served by the
// first call's goroutines.
func (s *Server) Run() {
	s.mutex.Lock()
	if s.started {
		s.mutex.Unlock()
		glog.Warningf("streaming: Run called twice: %v", ErrAlreadyRunning)
		return
	}
	s.started = true
	entries := slices.Clone(s.entries)
	s.mutex.Unlock()

	for _, entry := range entries {
		go func(entry *serverListenerEntry) {
			guard(fmt.Sprintf("streaming: server listener :%d", entry.port), nil, func() {
				if err := entry.httpServer.Serve(entry.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					glog.Warningf("streaming: listener on port %d stopped: %v", entry.port, err)
				}
			})
		}(entry)
	}
}

// newIncomingConnection is the HTTPServicer.NewConnection callback for
// every listener: it builds the Peer/Connection pair and subscribes it to
// the server's aggregate events and local signal set. The returned
// Connection is not yet started — HTTPServicer seeds any early data onto
// the peer first and calls Start itself once that is done.
func (s *Server) newIncomingConnection(conn net.Conn, remoteAddr string) *Connection {
	peer := NewPeer(conn, false, DefaultRxBufferSize, DefaultTxBufferSize)
	connection := NewConnection(peer, false, remoteAddr, "")

	s.mutex.Lock()
	if s.commandInterfacePort != 0 {
		if host, _, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
			url := fmt.Sprintf("http://%s/", net.JoinHostPort(host, fmt.Sprint(s.commandInterfacePort)))
			connection.SetHTTPCommandInterface(url, http.MethodPost)
		}
	}
	s.conns[remoteAddr] = connection
	ids := slices.Clone(s.signalIDs)
	s.mutex.Unlock()

	for _, id := range ids {
		if signal := s.lookupLocalSignal(id); signal != nil {
			connection.AddLocalSignal(signal)
		}
	}

	connection.OnAvailable(func(remote *RemoteSignal) { s.onAvailable.Emit(connection, remote) })
	connection.OnUnavailable(func(remote *RemoteSignal) { s.onUnavailable.Emit(connection, remote) })
	connection.OnDisconnected(func(err error) {
		s.mutex.Lock()
		delete(s.conns, remoteAddr)
		s.mutex.Unlock()
		s.onClientDisconnected.Emit(connection, err)
	})

	s.onClientConnected.Emit(connection)
	return connection
}

func (s *Server) lookupLocalSignal(id string) *LocalSignal {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.signals[id]
}

// dispatchCommandInterface implements HTTPServicer.Dispatch: it finds the
// connection whose local_stream_id prefixes method and dispatches there,
// hopping onto that connection's own dispatch goroutine.
func (s *Server) dispatchCommandInterface(ctx context.Context, method string, params json.RawMessage) (any, *JSONRPCError, bool) {
	s.mutex.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mutex.Unlock()

	for _, c := range conns {
		if strings.HasPrefix(method, c.LocalID()+".") {
			result, rpcErr := c.DispatchAcrossStrand(ctx, method, params)
			return result, rpcErr, true
		}
	}
	return nil, nil, false
}

// AddLocalSignal registers signal with the server. It is advertised to
// every currently connected client and to every future one.
func (s *Server) AddLocalSignal(signal *LocalSignal) {
	s.mutex.Lock()
	if _, ok := s.signals[signal.ID()]; ok {
		s.mutex.Unlock()
		return
	}
	s.signals[signal.ID()] = signal
	s.signalIDs = append(s.signalIDs, signal.ID())
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mutex.Unlock()

	for _, c := range conns {
		c.AddLocalSignal(signal)
	}
}

// RemoveLocalSignal unregisters a signal previously added with
// AddLocalSignal, withdrawing it from every current connection.
func (s *Server) RemoveLocalSignal(id string) {
	s.mutex.Lock()
	if _, ok := s.signals[id]; !ok {
		s.mutex.Unlock()
		return
	}
	delete(s.signals, id)
	s.signalIDs = slices.DeleteFunc(s.signalIDs, func(x string) bool { return x == id })
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mutex.Unlock()

	for _, c := range conns {
		c.RemoveLocalSignal(id)
	}
}

// Close shuts the server down: every listener stops accepting new
// connections and every active connection is closed. OnUnavailable fires
// for each signal currently available from an active connection as those
// connections tear down, followed by OnClientDisconnected for each.
func (s *Server) Close() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	entries := slices.Clone(s.entries)
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mutex.Unlock()

	for _, entry := range entries {
		_ = entry.httpServer.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

// Closed reports whether Close has been called.
func (s *Server) Closed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closed
}
