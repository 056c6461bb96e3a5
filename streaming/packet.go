package streaming

import (
	"encoding/binary"
	"fmt"
)

// Streaming packet types.
const (
	PacketTypeData     = 1
	PacketTypeMetadata = 2
)

// MaxSigno is the largest legal signal number: signo is a 20-bit field.
const MaxSigno = (1 << 20) - 1

// metadataEncodingMsgpack is the only metadata encoding tag currently
// defined by the protocol.
const metadataEncodingMsgpack = 2

// packetHeader is the decoded form of a streaming packet header (the
// payload of a WebSocket BINARY frame).
type packetHeader struct {
	Signo       uint32
	Type        uint32
	PayloadSize uint32
	HeaderSize  int
}

// encodePacketHeader encodes a streaming packet header for the given signo,
// packet type, and payload length, choosing the short form when the
// payload is nonzero and under 256 bytes, and the long form otherwise. A
// zero-length payload always takes the long form: the short form's
// payload-size field doubles as the long-form marker when it reads zero,
// so a short-form header can never actually encode a length of 0.
func encodePacketHeader(signo uint32, typ uint32, payloadSize int) ([]byte, error) {
	// signo=0 is reserved for connection-scoped metadata and is therefore
	// a legal value here, unlike a per-signal signo.
	if signo > MaxSigno {
		return nil, fmt.Errorf("streaming: signo %d out of range [0, %d]", signo, MaxSigno)
	}
	if payloadSize < 0 {
		return nil, fmt.Errorf("streaming: negative payload size")
	}

	if payloadSize > 0 && payloadSize < 256 {
		var buf [4]byte
		word := signo&0xFFFFF | (uint32(payloadSize)&0xFF)<<20 | (typ&0xF)<<28
		binary.LittleEndian.PutUint32(buf[:], word)
		return buf[:], nil
	}

	var buf [8]byte
	word0 := signo & 0xFFFFF | (typ&0xF)<<28
	binary.LittleEndian.PutUint32(buf[0:4], word0)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(payloadSize))
	return buf[:], nil
}

// decodePacketHeader decodes a streaming packet header from the start of
// buf. It returns HeaderSize == 0 if buf is too short to contain a
// complete header of either form. This is a straight bitwise decode of
// the little-endian word; an earlier implementation reassembled signo with
// logical-OR where bitwise-OR was intended, a bug not reproduced here.
func decodePacketHeader(buf []byte) (packetHeader, error) {
	if len(buf) < 4 {
		return packetHeader{}, nil
	}

	word0 := binary.LittleEndian.Uint32(buf[0:4])
	signo := word0 & 0xFFFFF
	shortPayloadSize := (word0 >> 20) & 0xFF
	typ := (word0 >> 28) & 0xF

	if shortPayloadSize != 0 {
		return packetHeader{
			Signo:       signo,
			Type:        typ,
			PayloadSize: shortPayloadSize,
			HeaderSize:  4,
		}, nil
	}

	// Long form: word0's payload-size bits are zero, so a second word
	// carries the real (32-bit) payload size.
	if len(buf) < 8 {
		return packetHeader{}, nil
	}
	payloadSize := binary.LittleEndian.Uint32(buf[4:8])
	return packetHeader{
		Signo:       signo,
		Type:        typ,
		PayloadSize: payloadSize,
		HeaderSize:  8,
	}, nil
}

// encodeStreamingPacket encodes a complete streaming packet (header +
// payload), choosing short or long form automatically.
func encodeStreamingPacket(signo uint32, typ uint32, payload []byte) ([]byte, error) {
	header, err := encodePacketHeader(signo, typ, len(payload))
	if err != nil {
		return nil, err
	}
	return newByteSequence(header, payload).Flatten(), nil
}

// linearPayload is the on-wire {sample_index, value} pair sent on a domain
// signal's signo to anchor its linear table at a new reference point.
type linearPayload struct {
	SampleIndex int64
	Value       int64
}

const linearPayloadSize = 16

func encodeLinearPayload(p linearPayload) []byte {
	var buf [linearPayloadSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.SampleIndex))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(p.Value))
	return buf[:]
}

func decodeLinearPayload(buf []byte) (linearPayload, error) {
	if len(buf) != linearPayloadSize {
		return linearPayload{}, fmt.Errorf("streaming: linear payload must be %d bytes, got %d", linearPayloadSize, len(buf))
	}
	return linearPayload{
		SampleIndex: int64(binary.LittleEndian.Uint64(buf[0:8])),
		Value:       int64(binary.LittleEndian.Uint64(buf[8:16])),
	}, nil
}

// metadataEnvelope is the {"method": ..., "params": ...} structure
// msgpack-encoded as a metadata packet's payload, after the 4-byte little
// endian encoding tag.
type metadataEnvelope struct {
	Method string `msgpack:"method"`
	Params any    `msgpack:"params"`
}

func encodeMetadataPacketPayload(method string, params any) ([]byte, error) {
	body, err := msgpackMarshal(metadataEnvelope{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	var tag [4]byte
	binary.LittleEndian.PutUint32(tag[:], metadataEncodingMsgpack)
	return newByteSequence(tag[:], body).Flatten(), nil
}

func decodeMetadataPacketPayload(payload []byte) (method string, params msgpackRawMessage, err error) {
	if len(payload) < 4 {
		return "", nil, fmt.Errorf("streaming: metadata payload too short")
	}
	tag := binary.LittleEndian.Uint32(payload[0:4])
	if tag != metadataEncodingMsgpack {
		return "", nil, fmt.Errorf("streaming: unsupported metadata encoding tag %d", tag)
	}
	var env struct {
		Method string              `msgpack:"method"`
		Params msgpackRawMessage `msgpack:"params"`
	}
	if err := msgpackUnmarshal(payload[4:], &env); err != nil {
		return "", nil, err
	}
	return env.Method, env.Params, nil
}
