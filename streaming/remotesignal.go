package streaming

import "sync/atomic"

// domainTableLookup resolves the LinearTable of another signal known to
// the same connection, by signal id. RemoteSignal uses this to hold what
// is conceptually a weak reference to its domain signal's table: rather
// than a literal weak pointer (no equivalent exists in Go without
// finalizers), the connection supplies a lookup closure that returns nil
// once the domain signal has been detached.
type domainTableLookup func(signalID string) *LinearTable

// RemoteSignal is the observer-owned consumer handle for a signal
// advertised by a peer. It exists for as long as its id appears in the
// peer's available set; Detach marks it detached and fires its final
// OnUnsubscribed/OnUnavailable events.
type RemoteSignal struct {
	id string

	// signo, subscribeCount, isSubscribed, and detached are accessed from
	// both the connection's dispatch goroutine and the application; all
	// other fields are single-writer, touched only from the connection's
	// own dispatch goroutine.
	signo          atomic.Uint32
	subscribeCount atomic.Uint32
	isSubscribed   atomic.Bool
	detached       atomic.Bool

	metadata    Metadata
	ownTable    *LinearTable // owned, for this signal's own linear rule
	domainTable domainTableLookup

	valueIndex int64

	onSubscribed      event0
	onUnsubscribed     event0
	onMetadataChanged  event0
	onDataReceived     event3[int64, int64, []byte] // domainValue, sampleCount, payload
	onUnavailable      event0

	// subscribeRequested/unsubscribeRequested are consumed by the owning
	// Connection to translate reference-count transitions into wire
	// subscribe/unsubscribe requests.
	subscribeRequested   event0
	unsubscribeRequested event0
}

// NewRemoteSignal constructs a RemoteSignal with the given id. Connections
// construct these when a peer's "available" message introduces a new id.
func NewRemoteSignal(id string) *RemoteSignal {
	return &RemoteSignal{id: id}
}

func (r *RemoteSignal) ID() string          { return r.id }
func (r *RemoteSignal) Signo() uint32       { return r.signo.Load() }
func (r *RemoteSignal) IsSubscribed() bool  { return r.isSubscribed.Load() }
func (r *RemoteSignal) Metadata() Metadata  { return r.metadata }

func (r *RemoteSignal) setSigno(signo uint32) { r.signo.Store(signo) }

// Subscribe increments the subscribe reference count; on the 0->1
// transition it fires OnSubscribed and SubscribeRequested, the latter of
// which the owning connection translates into a protocol subscribe
// request.
func (r *RemoteSignal) Subscribe() {
	if r.subscribeCount.Add(1) == 1 {
		r.onSubscribed.Emit()
		r.subscribeRequested.Emit()
	}
}

// Unsubscribe decrements the subscribe reference count; on the 1->0
// transition it fires OnUnsubscribed and UnsubscribeRequested.
func (r *RemoteSignal) Unsubscribe() {
	if r.subscribeCount.Load() == 0 {
		return
	}
	if r.subscribeCount.Add(^uint32(0)) == 0 {
		r.onUnsubscribed.Emit()
		r.unsubscribeRequested.Emit()
	}
}

func (r *RemoteSignal) OnSubscribed(fn func()) Slot[func()]     { return r.onSubscribed.On(fn) }
func (r *RemoteSignal) OnUnsubscribed(fn func()) Slot[func()]   { return r.onUnsubscribed.On(fn) }
func (r *RemoteSignal) OnMetadataChanged(fn func()) Slot[func()] { return r.onMetadataChanged.On(fn) }
func (r *RemoteSignal) OnUnavailable(fn func()) Slot[func()]    { return r.onUnavailable.On(fn) }
func (r *RemoteSignal) OnDataReceived(fn func(domainValue, sampleCount int64, payload []byte)) Slot[func(int64, int64, []byte)] {
	return r.onDataReceived.On(fn)
}

func (r *RemoteSignal) onSubscribeRequested(fn func()) Slot[func()] {
	return r.subscribeRequested.On(fn)
}
func (r *RemoteSignal) onUnsubscribeRequested(fn func()) Slot[func()] {
	return r.unsubscribeRequested.On(fn)
}

// HandleData decorates a received data payload with a domain value and
// sample count and fires OnDataReceived, applying the decoration rule that
// matches the signal's own interpretation rule.
func (r *RemoteSignal) HandleData(payload []byte) {
	switch r.metadata.Rule() {
	case RuleLinear:
		p, err := decodeLinearPayload(payload)
		if err != nil {
			// malformed linear payload: silently dropped.
			return
		}
		if r.ownTable != nil {
			r.ownTable.UpdateFromLinearPayload(p)
		}
		r.onDataReceived.Emit(p.Value, 1, payload)

	case RuleConstant:
		domainValue := int64(0)
		if dt := r.resolveDomainTable(); dt != nil {
			domainValue = dt.DrivenValue()
		}
		r.onDataReceived.Emit(domainValue, 1, payload)

	default: // explicit
		sampleSize := r.metadata.SampleSize()
		sampleCount := int64(0)
		if sampleSize > 0 {
			sampleCount = int64(len(payload)) / int64(sampleSize)
		}
		domainValue := int64(0)
		dt := r.resolveDomainTable()
		if dt != nil {
			domainValue = dt.ValueAt(r.valueIndex)
		}
		r.valueIndex += sampleCount
		if dt != nil {
			dt.DriveTo(r.valueIndex)
		}
		r.onDataReceived.Emit(domainValue, sampleCount, payload)
	}
}

func (r *RemoteSignal) resolveDomainTable() *LinearTable {
	if r.domainTable == nil {
		return nil
	}
	tableID := r.metadata.TableID()
	if tableID == "" || tableID == r.id {
		return nil
	}
	return r.domainTable(tableID)
}

// HandleMetadata dispatches a signo-scoped metadata message addressed to
// this signal: subscribe/unsubscribe toggle the subscribed flag (these
// arrive from the publisher confirming/revoking a subscription, distinct
// from the local Subscribe()/Unsubscribe() reference-counted calls a
// consumer makes); "signal" replaces the metadata and (re)builds the
// signal's own linear table.
func (r *RemoteSignal) HandleMetadata(method string, params msgpackRawMessage, lookup domainTableLookup) {
	switch method {
	case "subscribe":
		r.isSubscribed.Store(true)
		r.onSubscribed.Emit()

	case "unsubscribe":
		r.isSubscribed.Store(false)
		r.onUnsubscribed.Emit()

	case "signal":
		var raw map[string]any
		if err := decodeParamsInto(params, &raw); err != nil {
			return
		}
		r.metadata = NewMetadata(raw)
		r.domainTable = lookup
		if r.metadata.Rule() == RuleLinear {
			start, delta, _, _ := r.metadata.LinearStartDelta()
			r.ownTable = NewLinearTable(start, delta)
			r.ownTable.UpdateFromMetadata(r.metadata)
		} else {
			r.ownTable = nil
		}
		r.onMetadataChanged.Emit()

	default:
		// unknown method on a signo: silently ignored.
	}
}

// Detach permanently disconnects this RemoteSignal: if still subscribed,
// fires OnUnsubscribed; then fires OnUnavailable and drops the domain-table
// lookup. Registered event handlers are not removed: a later HandleData,
// HandleMetadata or Subscribe call on a detached signal still fires them.
func (r *RemoteSignal) Detach() {
	if !r.detached.CompareAndSwap(false, true) {
		return
	}
	if r.subscribeCount.Load() > 0 {
		r.onUnsubscribed.Emit()
	}
	r.onUnavailable.Emit()
	r.domainTable = nil
}

func (r *RemoteSignal) IsDetached() bool { return r.detached.Load() }
