package streaming

// byteSequence is a scatter-gather view over a small, fixed number of byte
// slices plus their precomputed total length — enough to avoid an
// intermediate copy when a caller (e.g. encodeStreamingPacket composing a
// packet header and a caller-supplied payload) wants to write several
// buffers as one logical write. Just a slice of slices, but the precomputed Len() is
// kept so callers can check buffer space before copying.
type byteSequence struct {
	parts [][]byte
	len   int
}

func newByteSequence(parts ...[]byte) byteSequence {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return byteSequence{parts: parts, len: n}
}

func (b byteSequence) Len() int {
	return b.len
}

// Flatten copies every part into one contiguous slice. Callers that can
// instead write each part in turn (ring.Write) should prefer that to avoid
// this allocation; Flatten exists for callers that need a single []byte,
// which today are the frame and packet encoders (encodeWSFrame,
// encodeStreamingPacket, encodeMetadataPacketPayload).
func (b byteSequence) Flatten() []byte {
	out := make([]byte, 0, b.len)
	for _, p := range b.parts {
		out = append(out, p...)
	}
	return out
}

// ring is a fixed-capacity byte buffer used for both the receive and
// transmit sides of a Peer. It never grows; Write returns ErrNoBufferSpace
// once capacity is exhausted, which callers turn into the "no buffer
// space" connection closure.
type ring struct {
	buf []byte
	n   int // valid bytes at buf[0:n]
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]byte, capacity)}
}

func (r *ring) Len() int      { return r.n }
func (r *ring) Cap() int      { return len(r.buf) }
func (r *ring) Bytes() []byte { return r.buf[:r.n] }

// Write appends p to the buffer.
// It never partially succeeds from the caller's point of view: either all
// of p is appended, or ErrNoBufferSpace is returned and the buffer is left
// unchanged.
func (r *ring) Write(p []byte) error {
	if len(p) > len(r.buf)-r.n {
		return ErrNoBufferSpace
	}
	copy(r.buf[r.n:], p)
	r.n += len(p)
	return nil
}

// Consume discards the first n bytes, compacting the remainder to the
// front of the buffer.
func (r *ring) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= r.n {
		r.n = 0
		return
	}
	copy(r.buf, r.buf[n:r.n])
	r.n -= n
}

func (r *ring) Reset() {
	r.n = 0
}
