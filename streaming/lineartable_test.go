package streaming

import "testing"

func TestLinearTableValueAt(t *testing.T) {
	tab := NewLinearTable(100, 10)
	if v := tab.ValueAt(0); v != 100 {
		t.Fatalf("value at base index = %d, want 100", v)
	}
	if v := tab.ValueAt(5); v != 150 {
		t.Fatalf("value at index 5 = %d, want 150", v)
	}
	if v := tab.ValueAt(-2); v != 80 {
		t.Fatalf("value at index -2 = %d, want 80", v)
	}
}

func TestLinearTableSetResetsBaseAndDriven(t *testing.T) {
	tab := NewLinearTable(0, 1)
	tab.Set(1000, 500)

	if tab.BaseIndex() != 1000 {
		t.Fatalf("base index = %d, want 1000", tab.BaseIndex())
	}
	if tab.DrivenIndex() != 1000 {
		t.Fatalf("driven index = %d, want 1000", tab.DrivenIndex())
	}
	if v := tab.DrivenValue(); v != 500 {
		t.Fatalf("driven value = %d, want 500", v)
	}
	if v := tab.ValueAt(1001); v != 501 {
		t.Fatalf("value at 1001 = %d, want 501", v)
	}
}

func TestLinearTableDriveToLeavesBaseAlone(t *testing.T) {
	tab := NewLinearTable(0, 2)
	tab.Set(10, 20)
	tab.DriveTo(15)

	if tab.BaseIndex() != 10 {
		t.Fatalf("base index changed by DriveTo: %d", tab.BaseIndex())
	}
	if tab.DrivenIndex() != 15 {
		t.Fatalf("driven index = %d, want 15", tab.DrivenIndex())
	}
	if v := tab.DrivenValue(); v != 30 {
		t.Fatalf("driven value = %d, want 30", v)
	}
}

func TestLinearTableUpdateFromLinearPayload(t *testing.T) {
	tab := NewLinearTable(0, 1)
	tab.UpdateFromLinearPayload(linearPayload{SampleIndex: 7, Value: 77})

	if tab.BaseIndex() != 7 {
		t.Fatalf("base index = %d, want 7", tab.BaseIndex())
	}
	if v := tab.DrivenValue(); v != 77 {
		t.Fatalf("driven value = %d, want 77", v)
	}
}

func TestLinearTableUpdateFromMetadataStartDeltaOnly(t *testing.T) {
	tab := NewLinearTable(0, 1)
	md := NewMetadata(map[string]any{
		"definition": map[string]any{"rule": RuleLinear},
		"interpretation": map[string]any{
			"rule": map[string]any{
				"parameters": map[string]any{"start": int64(50), "delta": int64(5)},
			},
		},
	})
	tab.UpdateFromMetadata(md)

	if tab.Delta() != 5 {
		t.Fatalf("delta = %d, want 5", tab.Delta())
	}
	if v := tab.ValueAt(0); v != 50 {
		t.Fatalf("value at 0 = %d, want 50", v)
	}
	// base_index/driven_index are untouched without an explicit valueIndex.
	if tab.BaseIndex() != 0 {
		t.Fatalf("base index changed without valueIndex: %d", tab.BaseIndex())
	}
}

func TestLinearTableConcurrentAccess(t *testing.T) {
	tab := NewLinearTable(0, 1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			tab.Set(int64(i), int64(i))
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		_ = tab.ValueAt(int64(i))
	}
	<-done
}
