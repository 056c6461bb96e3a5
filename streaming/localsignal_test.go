package streaming

import "testing"

func TestLocalSignalBasics(t *testing.T) {
	md := NewMetadata(map[string]any{"definition": map[string]any{"name": "Voltage"}})
	s := NewLocalSignal("/V", md)

	if s.ID() != "/V" {
		t.Fatalf("id = %q, want /V", s.ID())
	}
	if s.Metadata().Name() != "Voltage" {
		t.Fatalf("name = %q, want Voltage", s.Metadata().Name())
	}
	if s.IsSubscribed() {
		t.Fatalf("fresh signal should not be subscribed")
	}
}

func TestLocalSignalSetMetadataFiresEvent(t *testing.T) {
	s := NewLocalSignal("/V", Metadata{})
	fired := 0
	s.OnMetadataChanged(func() { fired++ })

	s.SetMetadata(NewMetadata(map[string]any{"definition": map[string]any{"name": "Current"}}))
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if s.Metadata().Name() != "Current" {
		t.Fatalf("name = %q", s.Metadata().Name())
	}
}

func TestLocalSignalPublishDataFiresSynchronously(t *testing.T) {
	s := NewLocalSignal("/V", Metadata{})
	var got DataPublishedEvent
	s.OnDataPublished(func(e DataPublishedEvent) { got = e })

	s.PublishData([]byte{1, 2, 3})
	if string(got.Payload) != "\x01\x02\x03" {
		t.Fatalf("payload = %v", got.Payload)
	}
	if got.DomainValue != 0 || got.SampleCount != 0 {
		t.Fatalf("unexpected domain/sample fields: %+v", got)
	}
}

func TestLocalSignalPublishDataWithDomain(t *testing.T) {
	s := NewLocalSignal("/V", Metadata{})
	var got DataPublishedEvent
	s.OnDataPublished(func(e DataPublishedEvent) { got = e })

	s.PublishDataWithDomain(1000, 5, []byte{9})
	if got.DomainValue != 1000 || got.SampleCount != 5 {
		t.Fatalf("got %+v", got)
	}
}

func TestLocalSignalSubscribeCountTransitions(t *testing.T) {
	s := NewLocalSignal("/V", Metadata{})
	subscribed, unsubscribed := 0, 0
	s.OnSubscribed(func() { subscribed++ })
	s.OnUnsubscribed(func() { unsubscribed++ })

	h1 := s.IncrementSubscribeCount()
	if !s.IsSubscribed() || subscribed != 1 {
		t.Fatalf("after first increment: subscribed=%v count=%d", s.IsSubscribed(), subscribed)
	}

	h2 := s.IncrementSubscribeCount()
	if subscribed != 1 {
		t.Fatalf("second increment should not re-fire OnSubscribed: %d", subscribed)
	}

	h1.Close()
	if !s.IsSubscribed() || unsubscribed != 0 {
		t.Fatalf("should still be subscribed after closing one of two holders")
	}

	h2.Close()
	if s.IsSubscribed() || unsubscribed != 1 {
		t.Fatalf("after closing last holder: subscribed=%v unsubscribed=%d", s.IsSubscribed(), unsubscribed)
	}
}

func TestSubscribeHolderCloseIsIdempotent(t *testing.T) {
	s := NewLocalSignal("/V", Metadata{})
	unsubscribed := 0
	s.OnUnsubscribed(func() { unsubscribed++ })

	h := s.IncrementSubscribeCount()
	h.Close()
	h.Close()
	h.Close()

	if unsubscribed != 1 {
		t.Fatalf("unsubscribed fired %d times, want 1", unsubscribed)
	}
}

func TestSubscribeHolderZeroValueCloseIsNoop(t *testing.T) {
	var h SubscribeHolder
	h.Close()
}
