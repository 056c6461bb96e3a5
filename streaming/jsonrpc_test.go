package streaming

import (
	"encoding/json"
	"testing"
)

func TestNewJSONRPCRequestEncodesParams(t *testing.T) {
	req, err := newJSONRPCRequest(7, "subscribe", map[string]any{"signalId": "/V"})
	if err != nil {
		t.Fatalf("newJSONRPCRequest: %v", err)
	}
	if req.JSONRPC != "2.0" {
		t.Fatalf("jsonrpc = %q, want 2.0", req.JSONRPC)
	}
	if req.ID.String() != "7" {
		t.Fatalf("id = %q, want 7", req.ID.String())
	}
	if req.Method != "subscribe" {
		t.Fatalf("method = %q, want subscribe", req.Method)
	}

	var params map[string]string
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params["signalId"] != "/V" {
		t.Fatalf("params = %v", params)
	}
}

func TestNewJSONRPCRequestWithNilParamsOmitsField(t *testing.T) {
	req, err := newJSONRPCRequest(1, "ping", nil)
	if err != nil {
		t.Fatalf("newJSONRPCRequest: %v", err)
	}
	if req.Params != nil {
		t.Fatalf("params = %v, want nil", req.Params)
	}
}

func TestNewJSONRPCResultRoundTrip(t *testing.T) {
	resp, err := newJSONRPCResult(json.Number("3"), map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("newJSONRPCResult: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	var result map[string]bool
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result["ok"] {
		t.Fatalf("result = %v", result)
	}
}

func TestNewJSONRPCFault(t *testing.T) {
	resp := newJSONRPCFault(json.Number("9"), ErrMethodNotFound("bogus"))
	if resp.Result != nil {
		t.Fatalf("unexpected result on fault response")
	}
	if resp.Error == nil || resp.Error.Code != JSONRPCMethodNotFound {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestJSONRPCErrorImplementsError(t *testing.T) {
	var err error = NewJSONRPCError(JSONRPCInternalError, "boom")
	if err.Error() != "boom" {
		t.Fatalf("Error() = %q, want boom", err.Error())
	}
}

func TestJSONRPCRequestMarshalsOverWire(t *testing.T) {
	req, _ := newJSONRPCRequest(42, "unsubscribe", map[string]any{"signalId": "/T"})
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded jsonrpcRequest
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Method != "unsubscribe" || decoded.ID.String() != "42" {
		t.Fatalf("decoded = %+v", decoded)
	}
}
