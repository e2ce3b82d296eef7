package watch

import "testing"

// TestRegisterKqueueDistinctFdsDoNotCollide verifies that two
// WatchRegisterKqueue calls sharing (pid, kqFd) but naming different fds
// each keep their own registration, rather than the second overwriting
// the first.
func TestRegisterKqueueDistinctFdsDoNotCollide(t *testing.T) {
	s := New()
	id1 := s.RegisterKqueue(1, 9, 101, 5, 0x1, nil)
	id2 := s.RegisterKqueue(1, 9, 102, 6, 0x2, nil)
	if id1 == id2 {
		t.Fatalf("expected distinct registration ids, got %d twice", id1)
	}

	s.Dispatch(Event{Path: "/a", Mask: 1})
	events := s.DrainKqueue(1, 9, 0)
	if len(events) != 2 {
		t.Fatalf("expected one event per fd registration sharing the kqueue, got %d", len(events))
	}
}

// TestUnregisterFdLeavesSiblingRegistrationIntact exercises
// WatchUnregisterFd's real semantics: removing one watched fd must not
// disturb another fd registered under the same (pid, kqFd).
func TestUnregisterFdLeavesSiblingRegistrationIntact(t *testing.T) {
	s := New()
	s.RegisterKqueue(1, 9, 101, 5, 0x1, nil)
	s.RegisterKqueue(1, 9, 102, 6, 0x2, nil)

	s.UnregisterFdAnyKqueue(1, 5)

	s.Dispatch(Event{Path: "/a", Mask: 1})
	events := s.DrainKqueue(1, 9, 0)
	if len(events) != 1 {
		t.Fatalf("expected the surviving fd's registration to still receive events, got %d events", len(events))
	}
}

// TestUnregisterKqueueFdDropsWholeGroup verifies that closing a kqueue fd
// removes every watched-fd registration under it.
func TestUnregisterKqueueFdDropsWholeGroup(t *testing.T) {
	s := New()
	s.RegisterKqueue(1, 9, 101, 5, 0x1, nil)
	s.RegisterKqueue(1, 9, 102, 6, 0x2, nil)
	s.UpdateDoorbellIdent(1, 9, 555)

	s.UnregisterKqueueFd(1, 9)

	s.Dispatch(Event{Path: "/a", Mask: 1})
	if events := s.DrainKqueue(1, 9, 0); len(events) != 0 {
		t.Fatalf("expected no events after the whole kqueue group was unregistered, got %d", len(events))
	}
	if _, ok := s.QueryDoorbellIdent(1, 9); ok {
		t.Fatal("expected the doorbell ident to be cleared along with the kqueue group")
	}
}

func TestDoorbellIdentUpdateAndQuery(t *testing.T) {
	s := New()
	if _, ok := s.QueryDoorbellIdent(1, 9); ok {
		t.Fatal("expected no doorbell ident before any update")
	}
	s.UpdateDoorbellIdent(1, 9, 42)
	ident, ok := s.QueryDoorbellIdent(1, 9)
	if !ok || ident != 42 {
		t.Fatalf("expected doorbell ident 42, got %d ok=%v", ident, ok)
	}
}

func TestReleaseAllDropsEveryRegistrationForPid(t *testing.T) {
	s := New()
	s.RegisterKqueue(1, 9, 101, 5, 0x1, nil)
	s.RegisterFSEvents(1, 1, []string{"/"}, 0, 0)
	s.RegisterMachPort(1, "port-name")

	s.ReleaseAll(1)

	s.Dispatch(Event{Path: "/a", Mask: 1})
	if events := s.DrainKqueue(1, 9, 0); len(events) != 0 {
		t.Fatalf("expected no kqueue registrations left for pid 1, got %d events", len(events))
	}
}
