package streaming

import "errors"

// Sentinel errors returned or passed to OnClose/OnDisconnected handlers
// across this package. Use errors.Is to test for these.
var (
	ErrNoBufferSpace   = errors.New("streaming: no buffer space")
	ErrFrameFragmented = errors.New("streaming: fragmented frame is not supported")
	ErrFrameOversized  = errors.New("streaming: frame payload exceeds configured buffer size")
	ErrBadUTF8         = errors.New("streaming: malformed UTF-8 in a required string field")
	ErrMasked          = errors.New("streaming: frame masking does not match this side of the connection")
	ErrCanceled        = errors.New("streaming: operation canceled")
	ErrClosed          = errors.New("streaming: connection closed")
	ErrAlreadyRunning  = errors.New("streaming: already running")
)
