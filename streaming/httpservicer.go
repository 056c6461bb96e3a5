package streaming

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/golang/glog"
)

// ConnectionFactory constructs a Connection for a freshly upgraded socket,
// built but not yet started. remoteAddr is conn.RemoteAddr().String(),
// used by the caller as the new connection's local_stream_id ("ip:port" of
// the remote endpoint).
type ConnectionFactory func(conn net.Conn, remoteAddr string) *Connection

// HTTPServicer is a per-accepted-TCP-socket HTTP/1.1 handler that branches
// on upgrade vs. command-interface POST vs. CORS preflight vs. anything
// else. It is installed as a net/http.Handler and relies on http.Hijacker
// to reclaim the raw socket on a successful upgrade.
type HTTPServicer struct {
	NewConnection ConnectionFactory

	// Dispatch resolves a matching connection's command-interface
	// dispatcher for an HTTP POST request, by remote_stream_id (the POST
	// path or body is expected to carry a JSON-RPC request whose method is
	// already prefixed with the target connection's local_stream_id;
	// Dispatch is tried against every connection the server currently
	// knows, typically provided by Server.dispatchCommandInterface).
	Dispatch func(ctx context.Context, method string, params json.RawMessage) (any, *JSONRPCError, bool)
}

func (h *HTTPServicer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if isWebSocketUpgrade(r) {
		h.serveUpgrade(w, r)
		return
	}

	if r.Method == http.MethodPost {
		h.serveCommandInterface(w, r)
		return
	}

	w.WriteHeader(http.StatusBadRequest)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		httpHeaderContains(r.Header, "Connection", "upgrade") &&
		httpHeaderContains(r.Header, "Upgrade", "websocket") &&
		r.Header.Get("Sec-WebSocket-Key") != ""
}

// httpHeaderContains reports whether key's value contains token as one of
// its comma-separated items (RFC 7230 allows Connection/Upgrade to carry a
// list, though in practice browsers send a single bare token).
func httpHeaderContains(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, item := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(item), token) {
				return true
			}
		}
	}
	return false
}

// serveUpgrade computes the accept key, writes the 101 response, and hands
// the raw hijacked socket off to a new Connection. Any bytes the server's
// buffered reader already consumed past the request line — a peer's hello
// frame can arrive in the same TCP segment as the handshake request it
// follows — are seeded onto the Peer before Start runs, so the seeded
// bytes and the first live read off the socket never race for access to
// the same receive buffer.
func (h *HTTPServicer) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "streaming upgrade requires a hijackable connection", http.StatusInternalServerError)
		return
	}

	clientKey := r.Header.Get("Sec-WebSocket-Key")
	acceptKey := websocketAcceptKey(clientKey)

	conn, buf, err := hijacker.Hijack()
	if err != nil {
		glog.Warningf("streaming: hijack failed: %v", err)
		return
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey + "\r\n\r\n"
	if _, err := conn.Write([]byte(response)); err != nil {
		conn.Close()
		return
	}

	var earlyData []byte
	if buf != nil {
		if n := buf.Reader.Buffered(); n > 0 {
			earlyData = make([]byte, n)
			_, _ = buf.Reader.Read(earlyData)
		}
	}

	connection := h.NewConnection(conn, conn.RemoteAddr().String())
	if len(earlyData) > 0 {
		if err := connection.SeedEarlyData(earlyData); err != nil {
			connection.peer.Close(err)
			return
		}
	}
	connection.Start()
}

func (h *HTTPServicer) serveCommandInterface(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req jsonrpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPCHTTPResponse(w, http.StatusBadRequest, newJSONRPCFault(json.Number("0"), NewJSONRPCError(JSONRPCParseError, err.Error())))
		return
	}

	if h.Dispatch == nil {
		writeJSONRPCHTTPResponse(w, http.StatusInternalServerError, newJSONRPCFault(req.ID, NewJSONRPCError(JSONRPCInternalError, "no command interface dispatcher installed")))
		return
	}

	result, rpcErr, found := h.Dispatch(r.Context(), req.Method, req.Params)
	if !found {
		writeJSONRPCHTTPResponse(w, http.StatusNotFound, newJSONRPCFault(req.ID, ErrMethodNotFound(req.Method)))
		return
	}
	if rpcErr != nil {
		writeJSONRPCHTTPResponse(w, http.StatusInternalServerError, newJSONRPCFault(req.ID, rpcErr))
		return
	}

	resp, err := newJSONRPCResult(req.ID, result)
	if err != nil {
		writeJSONRPCHTTPResponse(w, http.StatusInternalServerError, newJSONRPCFault(req.ID, NewJSONRPCError(JSONRPCInternalError, err.Error())))
		return
	}
	writeJSONRPCHTTPResponse(w, http.StatusOK, resp)
}

func writeJSONRPCHTTPResponse(w http.ResponseWriter, status int, resp jsonrpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		glog.Warningf("streaming: failed writing command interface response: %v", err)
	}
}
