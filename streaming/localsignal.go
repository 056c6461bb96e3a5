package streaming

import "sync/atomic"

// DataPublishedEvent is the payload of LocalSignal's data-published event.
type DataPublishedEvent struct {
	DomainValue int64
	SampleCount int64
	Payload     []byte
}

// LocalSignal is the application-facing producer handle for a signal. Its
// id is immutable; its metadata is mutable and versioned only by
// SetMetadata. A LocalSignal may be registered with any number of
// Connections at once (via Connection.AddLocalSignal); they share its
// subscribe reference count and its data-published event.
//
// Thread safety: PublishData and the subscribe-counter accessors
// (IsSubscribed, IncrementSubscribeCount, SubscribeHolder.Close) may be called from an
// acquisition thread that does not otherwise touch this LocalSignal. No
// other method (SetMetadata, Metadata) may be called concurrently with
// anything else on the same instance.
type LocalSignal struct {
	id string

	metadata Metadata

	subscribeCount atomic.Uint32

	onSubscribed     event0
	onUnsubscribed   event0
	onMetadataChanged event0
	onDataPublished  event1[DataPublishedEvent]
}

// NewLocalSignal constructs a signal with the given global identifier and
// initial metadata.
func NewLocalSignal(id string, md Metadata) *LocalSignal {
	return &LocalSignal{id: id, metadata: md}
}

func (s *LocalSignal) ID() string { return s.id }

func (s *LocalSignal) Metadata() Metadata { return s.metadata }

// SetMetadata replaces the signal's metadata and fires OnMetadataChanged,
// which registered connections use to transmit a fresh "signal" message
// to any subscribed peer.
func (s *LocalSignal) SetMetadata(md Metadata) {
	s.metadata = md
	s.onMetadataChanged.Emit()
}

// IsSubscribed reports whether one or more remote peers are currently
// subscribed to this signal.
func (s *LocalSignal) IsSubscribed() bool {
	return s.subscribeCount.Load() > 0
}

// PublishData publishes data with no associated domain value (constant or
// domain-less signals). It is safe to call from any thread not otherwise
// operating on this LocalSignal; OnDataPublished fires synchronously on
// the caller's goroutine.
func (s *LocalSignal) PublishData(payload []byte) {
	s.onDataPublished.Emit(DataPublishedEvent{Payload: payload})
}

// PublishDataWithDomain publishes data with an explicit domain value and
// sample count, for use with a linear-rule domain signal. sampleCount is
// used by registered connections to advance their implicit-domain
// bookkeeping.
func (s *LocalSignal) PublishDataWithDomain(domainValue int64, sampleCount int64, payload []byte) {
	s.onDataPublished.Emit(DataPublishedEvent{
		DomainValue: domainValue,
		SampleCount: sampleCount,
		Payload:     payload,
	})
}

func (s *LocalSignal) OnSubscribed(fn func()) Slot[func()]       { return s.onSubscribed.On(fn) }
func (s *LocalSignal) OnUnsubscribed(fn func()) Slot[func()]     { return s.onUnsubscribed.On(fn) }
func (s *LocalSignal) OnMetadataChanged(fn func()) Slot[func()]  { return s.onMetadataChanged.On(fn) }
func (s *LocalSignal) OnDataPublished(fn func(DataPublishedEvent)) Slot[func(DataPublishedEvent)] {
	return s.onDataPublished.On(fn)
}

// SubscribeHolder is a scoped handle held while a remote peer is
// subscribed to a LocalSignal. Construction raises the signal's subscribe
// count, firing OnSubscribed on the 0->1 transition; Close (idempotent)
// decrements it, firing OnUnsubscribed on the 1->0 transition.
// SubscribeHolder is move-only by convention: copying a SubscribeHolder by
// value and calling Close on both copies would double-decrement, so
// callers should only ever hold one copy and pass it by value when
// transferring ownership.
type SubscribeHolder struct {
	signal *LocalSignal
}

// IncrementSubscribeCount raises s's subscribe reference count, returning
// a SubscribeHolder that will decrement it again on Close.
func (s *LocalSignal) IncrementSubscribeCount() SubscribeHolder {
	if s.subscribeCount.Add(1) == 1 {
		s.onSubscribed.Emit()
	}
	return SubscribeHolder{signal: s}
}

// Close stops tracking the signal, decrementing its subscribe count and
// possibly firing OnUnsubscribed. Close is idempotent: calling it again on
// an already-closed (or zero-value) holder does nothing.
func (h *SubscribeHolder) Close() {
	if h.signal == nil {
		return
	}
	signal := h.signal
	h.signal = nil
	if signal.subscribeCount.Add(^uint32(0)) == 0 {
		signal.onUnsubscribed.Emit()
	}
}
