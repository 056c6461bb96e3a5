package streaming

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeWSFrameShort(t *testing.T) {
	payload := []byte("hello")
	frame := encodeWSFrame(wsOpBinary, payload, nil)

	h, err := decodeWSFrameHeader(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.HeaderSize == 0 {
		t.Fatalf("expected complete header")
	}
	if !h.FIN || h.Opcode != wsOpBinary || h.Masked {
		t.Fatalf("unexpected header: %+v", h)
	}
	if h.PayloadSize != int64(len(payload)) {
		t.Fatalf("payload size = %d, want %d", h.PayloadSize, len(payload))
	}
	got := frame[h.HeaderSize:]
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestEncodeDecodeWSFrameMasked(t *testing.T) {
	payload := []byte("the quick brown fox")
	mask := []byte{0x11, 0x22, 0x33, 0x44}
	frame := encodeWSFrame(wsOpBinary, payload, mask)

	h, err := decodeWSFrameHeader(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !h.Masked {
		t.Fatalf("expected masked frame")
	}
	if h.MaskKey != [4]byte{0x11, 0x22, 0x33, 0x44} {
		t.Fatalf("mask key = %v", h.MaskKey)
	}

	got := append([]byte{}, frame[h.HeaderSize:]...)
	maskPayload(got, mask)
	if !bytes.Equal(got, payload) {
		t.Fatalf("unmasked payload = %q, want %q", got, payload)
	}
}

func TestEncodeDecodeWSFrameLongLengths(t *testing.T) {
	for _, size := range []int{0, 1, 125, 126, 65535, 65536} {
		payload := bytes.Repeat([]byte{0xAB}, size)
		frame := encodeWSFrame(wsOpBinary, payload, nil)

		h, err := decodeWSFrameHeader(frame)
		if err != nil {
			t.Fatalf("size %d: decode: %v", size, err)
		}
		if h.HeaderSize == 0 {
			t.Fatalf("size %d: expected complete header", size)
		}
		if h.PayloadSize != int64(size) {
			t.Fatalf("size %d: payload size = %d", size, h.PayloadSize)
		}
		if len(frame) != h.HeaderSize+size {
			t.Fatalf("size %d: frame length = %d, want %d", size, len(frame), h.HeaderSize+size)
		}
	}
}

func TestDecodeWSFrameHeaderIncomplete(t *testing.T) {
	full := encodeWSFrame(wsOpBinary, []byte("0123456789"), nil)
	for n := 0; n < len(full); n++ {
		h, err := decodeWSFrameHeader(full[:n])
		if err != nil {
			t.Fatalf("n=%d: unexpected error: %v", n, err)
		}
		if h.HeaderSize != 0 && n < h.HeaderSize {
			t.Fatalf("n=%d: claimed complete header of size %d", n, h.HeaderSize)
		}
	}
}

func TestDecodeWSFrameHeaderImplausibleLength(t *testing.T) {
	buf := []byte{wsFlagFIN | wsOpBinary, 127, 0x7F, 0, 0, 0, 0, 0, 0, 0}
	_, err := decodeWSFrameHeader(buf)
	if err == nil {
		t.Fatalf("expected error for implausible length")
	}
}

func TestMaskPayloadIsInvolution(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	data := []byte("round trip through the same mask key")
	orig := append([]byte{}, data...)

	maskPayload(data, key)
	if bytes.Equal(data, orig) {
		t.Fatalf("masking did not change data")
	}
	maskPayload(data, key)
	if !bytes.Equal(data, orig) {
		t.Fatalf("masking twice did not restore original")
	}
}

func TestWebsocketAcceptKeyKnownVector(t *testing.T) {
	// RFC 6455 §1.3 worked example.
	got := websocketAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("accept key = %q, want %q", got, want)
	}
}

func TestNewClientKeyAndMaskKeyAreRandomish(t *testing.T) {
	k1 := newClientKey()
	k2 := newClientKey()
	if k1 == k2 {
		t.Fatalf("two client keys collided: %q", k1)
	}
	m1 := newClientMaskKey()
	m2 := newClientMaskKey()
	if bytes.Equal(m1, m2) {
		t.Fatalf("two mask keys collided: %v", m1)
	}
	if len(m1) != 4 {
		t.Fatalf("mask key length = %d, want 4", len(m1))
	}
}
