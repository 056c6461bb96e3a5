package streaming

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// Default buffer sizes for a Peer's receive and transmit rings: 1 MiB to
// receive, 32 MiB to transmit.
const (
	DefaultRxBufferSize = 1 << 20
	DefaultTxBufferSize = 32 << 20
)

// Peer owns one established, post-handshake raw connection and speaks the
// hand-rolled RFC 6455 framing of wsframe.go over it directly. gorilla/websocket
// is used only to perform the client opening handshake in client.go, after
// which its net.Conn is reclaimed and handed to a Peer; every byte exchanged
// afterward goes through this file's own framing and ring buffers instead,
// since Peer also needs to parse the packet layer nested inside each frame.
type Peer struct {
	conn   net.Conn
	masked bool // true if this peer must mask outgoing frames (we are the client)

	rx *ring

	txMutex         sync.Mutex
	tx              *ring
	txNotify        chan struct{}
	closeAfterDrain bool // guarded by txMutex; set once our own CLOSE frame is queued as a response

	closeSent atomic.Bool // true once we have sent a CLOSE frame, as initiator or as the echo

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	onFrame event2[int, []byte] // opcode, unmasked payload
	onClose event1[error]
}

// NewPeer constructs a Peer over conn. masked must be true for the client
// side of a connection (RFC 6455 requires clients to mask every frame they
// send) and false for the server side (which must never mask).
func NewPeer(conn net.Conn, masked bool, rxCapacity, txCapacity int) *Peer {
	if rxCapacity <= 0 {
		rxCapacity = DefaultRxBufferSize
	}
	if txCapacity <= 0 {
		txCapacity = DefaultTxBufferSize
	}
	return &Peer{
		conn:     conn,
		masked:   masked,
		rx:       newRing(rxCapacity),
		tx:       newRing(txCapacity),
		txNotify: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (p *Peer) OnFrame(fn func(opcode int, payload []byte)) Slot[func(int, []byte)] {
	return p.onFrame.On(fn)
}

func (p *Peer) OnClose(fn func(error)) Slot[func(error)] {
	return p.onClose.On(fn)
}

// SeedEarlyData injects bytes already read off the wire by a caller that
// had to parse a handshake itself (an HTTP Hijacker's buffered reader, for
// instance) before Start runs. Must be called before Start, while no
// goroutine is yet touching rx.
func (p *Peer) SeedEarlyData(data []byte) error {
	return p.rx.Write(data)
}

// Start decodes and dispatches anything already sitting in rx from
// SeedEarlyData, then launches the read and write goroutines. It must be
// called exactly once.
func (p *Peer) Start() {
	if err := p.drainFrames(); err != nil {
		p.Close(err)
		return
	}
	go p.readLoop()
	go p.writeLoop()
}

func (p *Peer) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			if werr := p.rx.Write(buf[:n]); werr != nil {
				p.Close(werr)
				return
			}
			if derr := p.drainFrames(); derr != nil {
				p.Close(derr)
				return
			}
		}
		if err != nil {
			p.Close(p.transportErr(err))
			return
		}
	}
}

// transportErr maps a socket error to the error Close reports: once this
// side has sent a CLOSE frame, the socket ending is the last step of the
// close handshake and is reported as a graceful close (nil).
func (p *Peer) transportErr(err error) error {
	if p.closeSent.Load() {
		return nil
	}
	return err
}

// drainFrames decodes and dispatches every complete frame currently
// buffered in rx, leaving any trailing partial frame in place for the next
// Read.
func (p *Peer) drainFrames() error {
	for {
		buf := p.rx.Bytes()
		header, err := decodeWSFrameHeader(buf)
		if err != nil {
			return err
		}
		if header.HeaderSize == 0 {
			return nil // need more bytes
		}
		total := int64(header.HeaderSize) + header.PayloadSize
		if total > int64(p.rx.Cap()) {
			return ErrFrameOversized
		}
		if int64(len(buf)) < total {
			return nil // need more bytes
		}
		if !header.FIN {
			return ErrFrameFragmented
		}
		if header.Masked == p.masked {
			// A client frame must be masked and a server frame must not
			// be; this one has the mask bit backwards for which side of
			// the connection we are.
			return ErrMasked
		}

		payload := make([]byte, header.PayloadSize)
		copy(payload, buf[header.HeaderSize:total])
		if header.Masked {
			maskPayload(payload, header.MaskKey[:])
		}

		p.rx.Consume(int(total))
		p.handleFrame(header.Opcode, payload)
	}
}

func (p *Peer) handleFrame(opcode int, payload []byte) {
	switch opcode {
	case wsOpPing:
		if err := p.SendFrame(wsOpPong, payload); err != nil {
			glog.V(2).Infof("streaming: pong send failed: %v", err)
		}
	case wsOpPong:
		// No keepalive timer to reset in this implementation; the PONG is
		// only passed on to OnFrame observers.
		p.onFrame.Emit(opcode, payload)
	case wsOpClose:
		if p.closeSent.Load() {
			// We already sent our own CLOSE frame; this is the peer's
			// echo and the bidirectional handshake is complete.
			p.Close(nil)
		} else {
			// First CLOSE seen on this connection: queue our echo and
			// shut down only once it actually drains, instead of
			// tearing the socket down immediately and racing writeLoop
			// for it.
			p.sendCloseEcho(payload)
		}
	default:
		p.onFrame.Emit(opcode, payload)
	}
}

// SendFrame encodes and enqueues a frame for transmission. A return of
// ErrNoBufferSpace means the transmit buffer is full; the caller treats
// this as a fatal, connection-closing condition, which SendFrame itself
// triggers by closing the peer.
func (p *Peer) SendFrame(opcode int, payload []byte) error {
	var mask []byte
	if p.masked {
		mask = newClientMaskKey()
	}
	frame := encodeWSFrame(opcode, payload, mask)

	p.txMutex.Lock()
	err := p.tx.Write(frame)
	if opcode == wsOpClose {
		p.closeSent.Store(true)
	}
	p.txMutex.Unlock()
	if err != nil {
		p.Close(err)
		return err
	}

	select {
	case p.txNotify <- struct{}{}:
	default:
	}
	return nil
}

// sendCloseEcho queues a CLOSE frame acknowledging a peer-initiated close
// and marks the peer to shut down once that frame has actually drained
// from tx, rather than tearing the socket down immediately and racing
// writeLoop for delivery.
func (p *Peer) sendCloseEcho(payload []byte) {
	var mask []byte
	if p.masked {
		mask = newClientMaskKey()
	}
	frame := encodeWSFrame(wsOpClose, payload, mask)

	p.txMutex.Lock()
	err := p.tx.Write(frame)
	p.closeSent.Store(true)
	p.closeAfterDrain = true
	p.txMutex.Unlock()
	if err != nil {
		p.Close(err)
		return
	}

	select {
	case p.txNotify <- struct{}{}:
	default:
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case <-p.txNotify:
		}
		for {
			p.txMutex.Lock()
			data := p.tx.Bytes()
			if len(data) == 0 {
				shutdown := p.closeAfterDrain
				p.txMutex.Unlock()
				if shutdown {
					p.Close(nil)
					return
				}
				break
			}
			pending := append([]byte(nil), data...)
			p.txMutex.Unlock()

			n, err := p.conn.Write(pending)
			p.txMutex.Lock()
			p.tx.Consume(n)
			p.txMutex.Unlock()
			if err != nil {
				p.Close(p.transportErr(err))
				return
			}
		}
	}
}

// Close shuts down the underlying connection and fires OnClose exactly
// once. err is nil for a graceful close: the CLOSE handshake completed, or
// the socket ended after this side had sent its CLOSE frame.
func (p *Peer) Close(err error) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		_ = p.conn.Close()
		p.onClose.Emit(err)
	})
}

func (p *Peer) IsClosed() bool { return p.closed.Load() }
