package streaming

import "github.com/vmihailenco/msgpack/v5"

// msgpackRawMessage defers decoding of a metadata packet's params field
// until the caller knows what shape to expect (an object, an array of
// strings, a JSON-RPC request/response, ...), mirroring
// encoding/json.RawMessage.
type msgpackRawMessage = msgpack.RawMessage

func msgpackMarshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func msgpackUnmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// decodeParamsInto decodes a msgpack-raw params value into v. A malformed
// metadata payload is not fatal to the connection; callers treat an error
// here as "silently drop this one message."
func decodeParamsInto(raw msgpackRawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return msgpack.Unmarshal(raw, v)
}
