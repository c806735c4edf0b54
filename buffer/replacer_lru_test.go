package buffer

import "testing"

func TestLRUReplacerBasic(t *testing.T) {
	r := NewLRUReplacer()
	r.Track(1)
	r.Track(2)
	r.Track(3)

	if r.Len() != 3 {
		t.Fatalf("expected 3 tracked pages, got %d", r.Len())
	}

	// MRU order is 3,2,1 → LRU victim should be 1.
	victim, ok := r.GetVictimId()
	if !ok || victim != 1 {
		t.Errorf("expected victim 1, got %d (ok=%v)", victim, ok)
	}
}

func TestLRUReplacerPinSafety(t *testing.T) {
	r := NewLRUReplacer()
	r.Track(1)
	r.Track(2)
	r.Pin(1)

	victim, ok := r.GetVictimId()
	if !ok || victim != 2 {
		t.Errorf("expected pinned page 1 to be skipped, got victim %d", victim)
	}

	r.Pin(2)
	_, ok = r.GetVictimId()
	if ok {
		t.Error("expected no victim available when all tracked pages are pinned")
	}

	r.Unpin(1)
	victim, ok = r.GetVictimId()
	if !ok || victim != 1 {
		t.Errorf("expected 1 to become victim after unpin, got %d", victim)
	}
}

func TestLRUReplacerForget(t *testing.T) {
	r := NewLRUReplacer()
	r.Track(1)
	r.Forget(1)
	if r.Len() != 0 {
		t.Errorf("expected 0 tracked pages after forget, got %d", r.Len())
	}
	if r.IsPinned(1) {
		t.Error("forgotten page should not report as pinned")
	}
}

func TestLRUReplacerMoveToFrontOnUnpin(t *testing.T) {
	r := NewLRUReplacer()
	r.Track(1)
	r.Track(2)
	r.Track(3)

	// Access 1 via pin/unpin so it becomes MRU.
	r.Pin(1)
	r.Unpin(1)

	victim, ok := r.GetVictimId()
	if !ok || victim != 2 {
		t.Errorf("expected victim 2 (LRU after touching 1), got %d", victim)
	}
}
