package streaming

import "sync"

// LinearTable is the authoritative cursor for a linear-rule signal:
// value_at(i) = base_value + delta*(i - base_index), with driven_index
// tracking the most recently produced/consumed sample index.
//
// A Connection creates one table per registered linear-rule local signal
// (owned by the RegisteredLocalSignal); a RemoteSignal creates one when it
// learns it has a linear rule, and holds a weak reference to its domain
// signal's table (see domainTableLookup). LinearTable itself is safe for
// concurrent use: LocalSignal.PublishData may run on an acquisition thread
// while the connection's dispatch goroutine reads it.
type LinearTable struct {
	mutex sync.Mutex

	baseIndex   int64
	baseValue   int64
	delta       int64
	drivenIndex int64
}

// NewLinearTable constructs a table with the given initial start/delta, as
// specified by a signal's interpretation.rule.parameters.{start,delta}.
func NewLinearTable(start, delta int64) *LinearTable {
	return &LinearTable{baseValue: start, delta: delta}
}

// UpdateFromMetadata applies a signal-metadata update: delta and base value
// are replaced if the metadata specifies them, and if the metadata carries
// a valueIndex, base_index and driven_index are both reset to it.
func (t *LinearTable) UpdateFromMetadata(md Metadata) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if start, delta, startOK, deltaOK := md.LinearStartDelta(); startOK || deltaOK {
		if startOK {
			t.baseValue = start
		}
		if deltaOK {
			t.delta = delta
		}
	}
	if idx, ok := md.ValueIndex(); ok {
		t.baseIndex = idx
		t.drivenIndex = idx
	}
}

// UpdateFromLinearPayload applies an on-wire linear_payload: base_index and
// base_value are set to the payload's sample_index/value, and driven_index
// is reset to base_index.
func (t *LinearTable) UpdateFromLinearPayload(p linearPayload) {
	t.Set(p.SampleIndex, p.Value)
}

// ValueAt returns base_value + delta*(i - base_index).
func (t *LinearTable) ValueAt(i int64) int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.valueAtLocked(i)
}

func (t *LinearTable) valueAtLocked(i int64) int64 {
	return t.baseValue + t.delta*(i-t.baseIndex)
}

// DrivenValue returns ValueAt(driven_index).
func (t *LinearTable) DrivenValue() int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.valueAtLocked(t.drivenIndex)
}

// DrivenIndex returns the current driven_index.
func (t *LinearTable) DrivenIndex() int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.drivenIndex
}

// Set point-sets base_index/base_value and resets driven_index to match.
func (t *LinearTable) Set(i, v int64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.baseIndex = i
	t.baseValue = v
	t.drivenIndex = i
}

// DriveTo advances driven_index without touching the base cursor.
//
// Invariant: driven_index >= base_index always holds for indices produced
// through normal publish/consume flow; DriveTo does not itself enforce
// this, since a domain table may be legitimately reset to a lower
// base_index by a later Set call.
func (t *LinearTable) DriveTo(i int64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.drivenIndex = i
}

func (t *LinearTable) Delta() int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.delta
}

func (t *LinearTable) BaseIndex() int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.baseIndex
}
