package streaming

import "testing"

func TestRemoteSignalSubscribeUnsubscribeRefCounting(t *testing.T) {
	r := NewRemoteSignal("/V")
	var requested, unrequested int
	r.onSubscribeRequested(func() { requested++ })
	r.onUnsubscribeRequested(func() { unrequested++ })

	r.Subscribe()
	r.Subscribe()
	if requested != 1 {
		t.Fatalf("requested = %d, want 1 (only on 0->1)", requested)
	}

	r.Unsubscribe()
	if unrequested != 0 {
		t.Fatalf("unrequested = %d, want 0 (still one ref held)", unrequested)
	}

	r.Unsubscribe()
	if unrequested != 1 {
		t.Fatalf("unrequested = %d, want 1", unrequested)
	}
}

func TestRemoteSignalUnsubscribeWithoutSubscribeIsNoop(t *testing.T) {
	r := NewRemoteSignal("/V")
	fired := 0
	r.onUnsubscribeRequested(func() { fired++ })
	r.Unsubscribe()
	if fired != 0 {
		t.Fatalf("unexpected unsubscribe request with zero refs")
	}
}

func TestRemoteSignalHandleMetadataSubscribeToggle(t *testing.T) {
	r := NewRemoteSignal("/V")
	if r.IsSubscribed() {
		t.Fatalf("should start unsubscribed")
	}
	r.HandleMetadata("subscribe", nil, nil)
	if !r.IsSubscribed() {
		t.Fatalf("expected subscribed after subscribe message")
	}
	r.HandleMetadata("unsubscribe", nil, nil)
	if r.IsSubscribed() {
		t.Fatalf("expected unsubscribed after unsubscribe message")
	}
}

func TestRemoteSignalHandleMetadataSignalBuildsLinearTable(t *testing.T) {
	r := NewRemoteSignal("/T")
	params, err := msgpackMarshal(map[string]any{
		"definition": map[string]any{"rule": RuleLinear, "name": "Time"},
		"interpretation": map[string]any{
			"rule": map[string]any{"parameters": map[string]any{"start": int64(0), "delta": int64(1000)}},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	changed := 0
	r.OnMetadataChanged(func() { changed++ })

	r.HandleMetadata("signal", params, nil)
	if changed != 1 {
		t.Fatalf("changed = %d, want 1", changed)
	}
	if r.Metadata().Rule() != RuleLinear {
		t.Fatalf("rule = %q, want linear", r.Metadata().Rule())
	}
	if r.ownTable == nil {
		t.Fatalf("expected own linear table to be built")
	}
	if v := r.ownTable.ValueAt(5); v != 5000 {
		t.Fatalf("value at 5 = %d, want 5000", v)
	}
}

func TestRemoteSignalHandleDataExplicitRule(t *testing.T) {
	r := NewRemoteSignal("/V")
	params, _ := msgpackMarshal(map[string]any{"definition": map[string]any{"dataType": DataTypeReal64}})
	r.HandleMetadata("signal", params, nil)

	var gotDomain, gotCount int64
	var gotPayload []byte
	r.OnDataReceived(func(domainValue, sampleCount int64, payload []byte) {
		gotDomain, gotCount, gotPayload = domainValue, sampleCount, payload
	})

	payload := make([]byte, 16) // two real64 samples
	r.HandleData(payload)

	if gotCount != 2 {
		t.Fatalf("sample count = %d, want 2", gotCount)
	}
	if gotDomain != 0 {
		t.Fatalf("domain value = %d, want 0 (no domain table)", gotDomain)
	}
	if len(gotPayload) != 16 {
		t.Fatalf("payload length = %d, want 16", len(gotPayload))
	}
}

func TestRemoteSignalHandleDataExplicitRuleAdvancesDomainTable(t *testing.T) {
	domain := NewRemoteSignal("/T")
	domainParams, _ := msgpackMarshal(map[string]any{
		"definition": map[string]any{"rule": RuleLinear},
		"interpretation": map[string]any{
			"rule": map[string]any{"parameters": map[string]any{"start": int64(0), "delta": int64(1)}},
		},
	})
	domain.HandleMetadata("signal", domainParams, nil)

	lookup := func(id string) *LinearTable {
		if id == "/T" {
			return domain.ownTable
		}
		return nil
	}

	r := NewRemoteSignal("/V")
	params, _ := msgpackMarshal(map[string]any{
		"definition": map[string]any{"dataType": DataTypeReal64},
		"tableId":    "/T",
	})
	r.HandleMetadata("signal", params, lookup)

	var domains []int64
	r.OnDataReceived(func(domainValue, sampleCount int64, payload []byte) {
		domains = append(domains, domainValue)
	})

	r.HandleData(make([]byte, 8))  // 1 sample, domain value at index 0
	r.HandleData(make([]byte, 16)) // 2 samples, domain value at index 1

	if len(domains) != 2 || domains[0] != 0 || domains[1] != 1 {
		t.Fatalf("domains = %v, want [0 1]", domains)
	}
}

func TestRemoteSignalHandleDataLinearRule(t *testing.T) {
	r := NewRemoteSignal("/T")
	params, _ := msgpackMarshal(map[string]any{
		"definition": map[string]any{"rule": RuleLinear},
		"interpretation": map[string]any{
			"rule": map[string]any{"parameters": map[string]any{"start": int64(0), "delta": int64(1)}},
		},
	})
	r.HandleMetadata("signal", params, nil)

	var gotValue int64
	r.OnDataReceived(func(domainValue, sampleCount int64, payload []byte) { gotValue = domainValue })

	payload := encodeLinearPayload(linearPayload{SampleIndex: 10, Value: 500})
	r.HandleData(payload)

	if gotValue != 500 {
		t.Fatalf("domain value = %d, want 500", gotValue)
	}
	if r.ownTable.BaseIndex() != 10 {
		t.Fatalf("own table base index = %d, want 10", r.ownTable.BaseIndex())
	}
}

func TestRemoteSignalDetachIsIdempotentAndFinal(t *testing.T) {
	r := NewRemoteSignal("/V")
	r.Subscribe()

	unsubscribed, unavailable := 0, 0
	r.OnUnsubscribed(func() { unsubscribed++ })
	r.OnUnavailable(func() { unavailable++ })

	r.Detach()
	if unsubscribed != 1 || unavailable != 1 {
		t.Fatalf("unsubscribed=%d unavailable=%d, want 1 1", unsubscribed, unavailable)
	}
	if !r.IsDetached() {
		t.Fatalf("expected detached")
	}

	r.Detach()
	if unsubscribed != 1 || unavailable != 1 {
		t.Fatalf("second Detach fired events again: unsubscribed=%d unavailable=%d", unsubscribed, unavailable)
	}
}

func TestRemoteSignalDetachWithoutSubscriptionSkipsUnsubscribed(t *testing.T) {
	r := NewRemoteSignal("/V")
	unsubscribed := 0
	r.OnUnsubscribed(func() { unsubscribed++ })

	r.Detach()
	if unsubscribed != 0 {
		t.Fatalf("unsubscribed fired without a subscription: %d", unsubscribed)
	}
}
