package registry

import "testing"

type nopConn struct{}

func (nopConn) WriteMessage(data []byte) error { return nil }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	r.Register("p1", nopConn{}, []string{"music"})

	p := r.Lookup("p1")
	if p == nil {
		t.Fatal("expected registered participant")
	}
	if p.ID != "p1" {
		t.Errorf("expected ID p1, got %s", p.ID)
	}
	if p.State != StateIdle {
		t.Errorf("new participant must start idle, got %s", p.State)
	}
	if len(p.Interests) != 1 || p.Interests[0] != "music" {
		t.Errorf("expected interests [music], got %v", p.Interests)
	}
	if r.Count() != 1 {
		t.Errorf("expected count 1, got %d", r.Count())
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := New()
	if p := r.Lookup("ghost"); p != nil {
		t.Fatalf("expected nil for unknown id, got %v", p)
	}
}

func TestRegistry_SetInterestsAndState(t *testing.T) {
	r := New()
	r.Register("p1", nopConn{}, nil)

	r.SetInterests("p1", []string{"a", "b"})
	r.SetState("p1", StateWaiting)

	p := r.Lookup("p1")
	if len(p.Interests) != 2 {
		t.Errorf("expected 2 interests, got %v", p.Interests)
	}
	if p.State != StateWaiting {
		t.Errorf("expected state %s, got %s", StateWaiting, p.State)
	}

	// Mutating an unknown id must not panic or create a record.
	r.SetInterests("ghost", []string{"x"})
	r.SetState("ghost", StateInRoom)
	if r.Count() != 1 {
		t.Errorf("expected count 1 after no-op mutations, got %d", r.Count())
	}
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	r := New()
	r.Register("p1", nopConn{}, nil)

	r.Remove("p1")
	if r.Lookup("p1") != nil {
		t.Fatal("expected participant gone after remove")
	}
	r.Remove("p1") // second remove is a no-op
	if r.Count() != 0 {
		t.Errorf("expected count 0, got %d", r.Count())
	}
}
