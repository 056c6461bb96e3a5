package streaming

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client asynchronously establishes a WebSocket Streaming connection to a
// remote server. One Client instance supports multiple sequential connect
// attempts; Cancel aborts whichever attempt is currently in flight.
//
// The DNS+TCP+HTTP upgrade itself is performed by gorilla/websocket's
// Dialer — the one place in this package that defers to a general
// WebSocket client library rather than the hand-rolled framing in peer.go
// — after which the raw net.Conn is reclaimed via Conn.NetConn() and
// handed to Peer, which takes over all further framing and masking.
type Client struct {
	mutex      sync.Mutex
	cancelFunc context.CancelFunc
}

// NewClient constructs an idle client with no connection attempt underway.
func NewClient() *Client {
	return &Client{}
}

// Connect asynchronously connects to url (a "ws://" or "wss://" WebSocket
// Streaming endpoint). handler is invoked exactly once, either with a
// started Connection and a nil error, or with a nil Connection and a
// non-nil error (ErrCanceled if Cancel was called before the attempt
// completed). handler runs on a goroutine owned by Client, never
// synchronously within Connect.
func (c *Client) Connect(ctx context.Context, url string, handler func(*Connection, error)) {
	attemptCtx, cancel := context.WithCancel(ctx)

	c.mutex.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.cancelFunc = cancel
	c.mutex.Unlock()

	go guard("streaming: client connect", func(err error) { handler(nil, err) }, func() {
		c.runConnect(attemptCtx, url, handler)
	})
}

func (c *Client) runConnect(ctx context.Context, url string, handler func(*Connection, error)) {
	// DialContext honors ctx only while dialing TCP, so the raw socket is
	// closed when ctx ends; that is what lets Cancel stop a stalled handshake.
	var stopWatch func() bool
	dialer := *websocket.DefaultDialer
	dialer.NetDialContext = func(dialCtx context.Context, network, addr string) (net.Conn, error) {
		conn, err := (&net.Dialer{}).DialContext(dialCtx, network, addr)
		if err == nil {
			stopWatch = context.AfterFunc(ctx, func() { _ = conn.Close() })
		}
		return conn, err
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if stopWatch != nil && !stopWatch() && err == nil {
		err = ErrCanceled // ctx ended as the handshake completed; the socket is closed
	}
	if err != nil {
		if ctx.Err() != nil {
			handler(nil, ErrCanceled)
			return
		}
		handler(nil, fmt.Errorf("streaming: connect to %s: %w", url, err))
		return
	}

	// The server sends its hello immediately on accept (connection.go's
	// sendHello), so it can arrive in the same TCP segment as the 101
	// response and end up sitting in gorilla/websocket's internal read
	// buffer rather than still on the wire. NetConn() only hands back the
	// raw socket, so anything already buffered there must be drained and
	// seeded into the Connection before Start() lets the peer's own read
	// loop begin consuming fresh bytes — symmetric to httpservicer.go's
	// server-side drain off the hijacked bufio.Reader's Buffered() bytes.
	earlyFrames := drainEarlyFrames(ws)

	conn := ws.NetConn()
	peer := NewPeer(conn, true, DefaultRxBufferSize, DefaultTxBufferSize)
	connection := NewConnection(peer, true, conn.LocalAddr().String(), "")
	for _, frame := range earlyFrames {
		connection.SeedEarlyFrame(frame.opcode, frame.payload)
	}
	connection.Start()
	handler(connection, nil)
}

type wsEarlyFrame struct {
	opcode  int
	payload []byte
}

// drainEarlyFrames retrieves any WebSocket frames gorilla/websocket already
// read into its own buffer while parsing the handshake response, before the
// raw connection is reclaimed via NetConn(). Setting an already-expired
// read deadline makes ReadMessage return immediately with whatever is
// already buffered without ever blocking on the network; once that buffer
// is exhausted the next ReadMessage call has to hit the socket, which
// times out immediately and ends the drain. gorilla's message type
// constants are numerically identical to the RFC 6455 opcodes this
// package's own frame codec uses, so no translation is needed.
func drainEarlyFrames(ws *websocket.Conn) []wsEarlyFrame {
	var frames []wsEarlyFrame
	for {
		_ = ws.SetReadDeadline(time.Unix(0, 1))
		opcode, payload, err := ws.ReadMessage()
		if err != nil {
			break
		}
		frames = append(frames, wsEarlyFrame{opcode: opcode, payload: payload})
	}
	_ = ws.SetReadDeadline(time.Time{})
	return frames
}

// Cancel aborts whichever connect attempt is currently in flight, if any.
// The pending handler receives ErrCanceled exactly once; Cancel is a no-op
// if no attempt is in flight or the in-flight attempt has already
// completed.
func (c *Client) Cancel() {
	c.mutex.Lock()
	cancel := c.cancelFunc
	c.mutex.Unlock()
	if cancel != nil {
		cancel()
	}
}
