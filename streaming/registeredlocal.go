package streaming

import "sync"

// packetSender is the subset of Connection that RegisteredLocalSignal needs
// in order to transmit data packets for the signal it binds.
type packetSender interface {
	sendPacket(signo uint32, typ uint32, payload []byte) error
}

// domainBinding is what localDomainLookup returns for a signal registered
// on the same connection: its signo (to send a linear_payload cursor
// update on) and its owned linear table (to compare/advance).
type domainBinding struct {
	signo uint32
	table *LinearTable
}

// localDomainLookup resolves another registered local signal's domain
// binding by id, modeling a weak reference to the domain signal held by a
// value signal with a declared tableId.
type localDomainLookup func(signalID string) (domainBinding, bool)

// RegisteredLocalSignal is the connection-side binding of a LocalSignal to
// a signo for one particular Connection. A LocalSignal registered with
// several connections gets one RegisteredLocalSignal per connection, each
// with its own signo and its own subscription state, since different
// peers subscribe independently.
//
// It tracks two independent subscription sources: explicitlySubscribed
// reflects a subscribe/unsubscribe request for this signal received from
// the peer over the command interface, while implicitSubscribers counts other registered signals on the
// same connection whose tableId currently points at this one (a domain
// signal is kept alive implicitly for as long as anything depending on it
// is explicitly subscribed, cascading transitively).
type RegisteredLocalSignal struct {
	signal       *LocalSignal
	signo        uint32
	sender       packetSender
	domainLookup localDomainLookup

	mutex                sync.Mutex
	explicitlySubscribed bool
	implicitSubscribers  int
	holder               SubscribeHolder
	linearTable          *LinearTable
	drivenSampleIndex    int64

	dataSlot     Slot[func(DataPublishedEvent)]
	metadataSlot Slot[func()]

	// onSubscriptionChanged fires with the new total-subscribed state
	// whenever it flips; Connection uses this to cascade implicit
	// subscriber counts to this signal's own domain (tableId) signal.
	onSubscriptionChanged event1[bool]
}

// NewRegisteredLocalSignal binds signal to signo for one connection. lookup
// resolves another local signal's domain binding by id and may be nil.
func NewRegisteredLocalSignal(signal *LocalSignal, signo uint32, sender packetSender, lookup localDomainLookup) *RegisteredLocalSignal {
	r := &RegisteredLocalSignal{signal: signal, signo: signo, sender: sender, domainLookup: lookup}
	r.rebuildLinearTableLocked()
	r.dataSlot = signal.OnDataPublished(r.handleDataPublished)
	r.metadataSlot = signal.OnMetadataChanged(r.handleMetadataChanged)
	return r
}

func (r *RegisteredLocalSignal) Signo() uint32      { return r.signo }
func (r *RegisteredLocalSignal) Signal() *LocalSignal { return r.signal }

func (r *RegisteredLocalSignal) LinearTable() *LinearTable {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.linearTable
}

// ValueIndex returns the sample index this binding has driven up to,
// used by Connection to merge a "valueIndex" into the "signal" message
// sent immediately after a new subscription.
func (r *RegisteredLocalSignal) ValueIndex() int64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.drivenSampleIndex
}

func (r *RegisteredLocalSignal) OnSubscriptionChanged(fn func(subscribed bool)) Slot[func(bool)] {
	return r.onSubscriptionChanged.On(fn)
}

func (r *RegisteredLocalSignal) rebuildLinearTableLocked() {
	md := r.signal.Metadata()
	if md.Rule() == RuleLinear {
		start, delta, _, _ := md.LinearStartDelta()
		r.linearTable = NewLinearTable(start, delta)
		r.linearTable.UpdateFromMetadata(md)
	} else {
		r.linearTable = nil
	}
}

func (r *RegisteredLocalSignal) handleMetadataChanged() {
	r.mutex.Lock()
	r.rebuildLinearTableLocked()
	r.mutex.Unlock()
}

// IsSubscribed reports whether this binding currently has any subscriber,
// explicit or implicit.
func (r *RegisteredLocalSignal) IsSubscribed() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.totalSubscribersLocked() > 0
}

func (r *RegisteredLocalSignal) totalSubscribersLocked() int {
	n := r.implicitSubscribers
	if r.explicitlySubscribed {
		n++
	}
	return n
}

// SetExplicitlySubscribed records a subscribe/unsubscribe request for this
// signal received over the command interface. It returns true if the total subscribed state
// (explicit || implicit > 0) changed as a result.
func (r *RegisteredLocalSignal) SetExplicitlySubscribed(v bool) bool {
	r.mutex.Lock()
	was := r.totalSubscribersLocked() > 0
	r.explicitlySubscribed = v
	now := r.totalSubscribersLocked() > 0
	r.mutex.Unlock()
	return r.applyTransition(was, now)
}

// IncrementImplicitSubscribers records that another signal depending on
// this one (via tableId) has become subscribed. Returns true if the total
// subscribed state changed.
func (r *RegisteredLocalSignal) IncrementImplicitSubscribers() bool {
	r.mutex.Lock()
	was := r.totalSubscribersLocked() > 0
	r.implicitSubscribers++
	now := r.totalSubscribersLocked() > 0
	r.mutex.Unlock()
	return r.applyTransition(was, now)
}

// DecrementImplicitSubscribers is the inverse of IncrementImplicitSubscribers.
func (r *RegisteredLocalSignal) DecrementImplicitSubscribers() bool {
	r.mutex.Lock()
	was := r.totalSubscribersLocked() > 0
	if r.implicitSubscribers > 0 {
		r.implicitSubscribers--
	}
	now := r.totalSubscribersLocked() > 0
	r.mutex.Unlock()
	return r.applyTransition(was, now)
}

func (r *RegisteredLocalSignal) applyTransition(was, now bool) bool {
	if was == now {
		return false
	}
	r.mutex.Lock()
	if now {
		r.holder = r.signal.IncrementSubscribeCount()
	} else {
		r.holder.Close()
	}
	r.mutex.Unlock()
	r.onSubscriptionChanged.Emit(now)
	return true
}

// handleDataPublished runs on the publishing application's goroutine, not
// the owning connection's dispatch goroutine, and must only touch r.sender
// (safe for concurrent use) and the mutex-guarded linear table.
//
// For a linear-rule signal (this signal IS a domain), a published update
// is itself a new cursor reference point. For a value signal declaring a
// linear-rule domain (tableId), this keeps the domain's cursor in sync
// before forwarding the value signal's own data.
func (r *RegisteredLocalSignal) handleDataPublished(ev DataPublishedEvent) {
	if !r.IsSubscribed() {
		return
	}

	r.mutex.Lock()
	ownTable := r.linearTable
	r.mutex.Unlock()

	if ownTable != nil {
		r.mutex.Lock()
		index := r.drivenSampleIndex + ev.SampleCount
		r.drivenSampleIndex = index
		r.mutex.Unlock()
		ownTable.Set(index, ev.DomainValue)
		payload := encodeLinearPayload(linearPayload{SampleIndex: index, Value: ev.DomainValue})
		_ = r.sender.sendPacket(r.signo, PacketTypeData, payload)
		return
	}

	tableID := r.signal.Metadata().TableID()
	if tableID != "" && tableID != r.signal.ID() && r.domainLookup != nil {
		if db, ok := r.domainLookup(tableID); ok && db.table != nil {
			// Explicit-rule signals compare against their own driven
			// index; a constant-rule signal has none of its own and
			// compares against the domain table's driven index instead.
			var index int64
			if r.signal.Metadata().Rule() == RuleConstant {
				index = db.table.DrivenIndex()
			} else {
				r.mutex.Lock()
				index = r.drivenSampleIndex
				r.mutex.Unlock()
			}

			if ev.DomainValue != db.table.ValueAt(index) {
				linPayload := encodeLinearPayload(linearPayload{SampleIndex: index, Value: ev.DomainValue})
				_ = r.sender.sendPacket(db.signo, PacketTypeData, linPayload)
				db.table.Set(index, ev.DomainValue)
			}
			_ = r.sender.sendPacket(r.signo, PacketTypeData, ev.Payload)

			r.mutex.Lock()
			r.drivenSampleIndex = index + ev.SampleCount
			r.mutex.Unlock()
			db.table.DriveTo(index + ev.SampleCount)
			return
		}
	}

	_ = r.sender.sendPacket(r.signo, PacketTypeData, ev.Payload)
}

// Close detaches this binding from its LocalSignal's events and releases
// its subscribe holder, if any.
func (r *RegisteredLocalSignal) Close() {
	r.dataSlot.Disconnect()
	r.metadataSlot.Disconnect()
	r.mutex.Lock()
	r.holder.Close()
	r.mutex.Unlock()
}
