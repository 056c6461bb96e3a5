// Package streaming implements the WebSocket Streaming Protocol: a
// symmetric, bidirectional publish/subscribe transport for tagged signal
// data frames layered on WebSocket.
//
// A Connection multiplexes any number of named signals over one socket.
// Applications publish data through a LocalSignal and consume data through
// a RemoteSignal; Server and Client are the accept/dial orchestrators that
// own a set of connections and the local signals registered with all of
// them.
package streaming
