package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"
)

// freeTCPPort asks the OS for a currently-unused port by briefly binding to
// port 0 and reading back what it chose.
func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeTCPPort: %v", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestServerAddListenerAfterRunFails(t *testing.T) {
	server := NewServer()
	if err := server.AddListener(freeTCPPort(t), false); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	server.Run()
	defer server.Close()

	if err := server.AddListener(freeTCPPort(t), false); err == nil {
		t.Fatalf("expected error adding a listener after Run")
	}
}

func TestServerCloseIsIdempotent(t *testing.T) {
	server := NewServer()
	if err := server.AddListener(freeTCPPort(t), false); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	server.Run()

	server.Close()
	server.Close()
	if !server.Closed() {
		t.Fatalf("expected Closed() true")
	}
}

func TestServerAndClientEndToEnd(t *testing.T) {
	wsPort := freeTCPPort(t)
	cmdPort := freeTCPPort(t)

	server := NewServer()
	if err := server.AddListener(wsPort, false); err != nil {
		t.Fatalf("AddListener ws: %v", err)
	}
	if err := server.AddListener(cmdPort, true); err != nil {
		t.Fatalf("AddListener cmd: %v", err)
	}

	signal := NewLocalSignal("/V", NewMetadata(map[string]any{
		"definition": map[string]any{"name": "Voltage", "dataType": DataTypeReal64},
	}))
	server.AddLocalSignal(signal)

	serverConnected := make(chan *Connection, 1)
	server.OnClientConnected(func(c *Connection) { serverConnected <- c })
	serverDisconnected := make(chan error, 1)
	server.OnClientDisconnected(func(c *Connection, err error) { serverDisconnected <- err })

	server.Run()
	defer server.Close()

	client := NewClient()
	connCh := make(chan *Connection, 1)
	errCh := make(chan error, 1)
	client.Connect(context.Background(), fmt.Sprintf("ws://127.0.0.1:%d/", wsPort), func(conn *Connection, err error) {
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	})

	var clientSideConn *Connection
	select {
	case clientSideConn = <-connCh:
	case err := <-errCh:
		t.Fatalf("connect failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out connecting")
	}

	select {
	case <-serverConnected:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for server to observe the connection")
	}

	available := make(chan *RemoteSignal, 1)
	clientSideConn.OnAvailable(func(r *RemoteSignal) { available <- r })

	var remote *RemoteSignal
	select {
	case remote = <-available:
		if remote.ID() != "/V" {
			t.Fatalf("remote id = %q, want /V", remote.ID())
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for available")
	}

	metadataReady := make(chan struct{}, 1)
	remote.OnMetadataChanged(func() { metadataReady <- struct{}{} })
	received := make(chan []byte, 1)
	remote.OnDataReceived(func(domainValue, sampleCount int64, payload []byte) {
		received <- append([]byte{}, payload...)
	})
	remote.Subscribe()

	select {
	case <-metadataReady:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for signal metadata")
	}

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	signal.PublishData(payload)

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Fatalf("got %v, want %v", got, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for data")
	}

	clientSideConn.Close()

	select {
	case <-serverDisconnected:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for server-side disconnect")
	}
}

func TestServerCommandInterfaceHTTPRouting(t *testing.T) {
	wsPort := freeTCPPort(t)
	cmdPort := freeTCPPort(t)

	server := NewServer()
	if err := server.AddListener(wsPort, false); err != nil {
		t.Fatalf("AddListener ws: %v", err)
	}
	if err := server.AddListener(cmdPort, true); err != nil {
		t.Fatalf("AddListener cmd: %v", err)
	}

	signal := NewLocalSignal("/V", NewMetadata(map[string]any{
		"definition": map[string]any{"name": "Voltage", "dataType": DataTypeReal64},
	}))
	server.AddLocalSignal(signal)

	serverConnected := make(chan *Connection, 1)
	server.OnClientConnected(func(c *Connection) { serverConnected <- c })

	server.Run()
	defer server.Close()

	client := NewClient()
	connCh := make(chan *Connection, 1)
	client.Connect(context.Background(), fmt.Sprintf("ws://127.0.0.1:%d/", wsPort), func(conn *Connection, err error) {
		if err == nil {
			connCh <- conn
		}
	})

	select {
	case <-connCh:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out connecting")
	}

	var serverConn *Connection
	select {
	case serverConn = <-serverConnected:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for server connection")
	}

	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  serverConn.LocalID() + ".subscribe",
		"params":  "/V",
	})
	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/", cmdPort), "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var rpcResp jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rpcResp.Error != nil {
		t.Fatalf("rpc error: %v", rpcResp.Error)
	}
	var ok bool
	if err := json.Unmarshal(rpcResp.Result, &ok); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !ok {
		t.Fatalf("subscribe result = false")
	}
	if !signal.IsSubscribed() {
		t.Fatalf("signal should now be subscribed")
	}
}
