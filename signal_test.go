package dbus

import "testing"

func TestSignalWatchSetFindMatches(t *testing.T) {
	s := make(signalWatchSet)
	w := &SignalWatch{rule: &MatchRule{Interface: "org.example.I", Member: "Changed"}, C: make(chan *Message, 1)}
	s.add(w)

	matches := s.findMatches(&Message{Kind: KindSignal, Interface: "org.example.I", Member: "Changed", Path: "/x"})
	if len(matches) != 1 || matches[0] != w {
		t.Fatalf("got %v, want [w]", matches)
	}

	noMatches := s.findMatches(&Message{Kind: KindSignal, Interface: "org.example.I", Member: "Other"})
	if len(noMatches) != 0 {
		t.Fatalf("got %v, want no matches", noMatches)
	}
}

func TestSignalWatchSetRemove(t *testing.T) {
	s := make(signalWatchSet)
	w := &SignalWatch{rule: &MatchRule{Path: "/a"}, C: make(chan *Message, 1)}
	s.add(w)
	if !s.remove(w) {
		t.Fatal("expected remove to report the watch was found")
	}
	if s.remove(w) {
		t.Fatal("expected a second remove to report not found")
	}
	if len(s.findMatches(&Message{Kind: KindSignal, Path: "/a"})) != 0 {
		t.Fatal("removed watch should no longer match")
	}
}

func TestSignalWatchSetMultipleWatchesSamePath(t *testing.T) {
	s := make(signalWatchSet)
	w1 := &SignalWatch{rule: &MatchRule{Path: "/a"}, C: make(chan *Message, 1)}
	w2 := &SignalWatch{rule: &MatchRule{Path: "/a", Member: "Specific"}, C: make(chan *Message, 1)}
	s.add(w1)
	s.add(w2)

	matches := s.findMatches(&Message{Kind: KindSignal, Path: "/a", Member: "Specific"})
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2 (generic watch + specific watch)", len(matches))
	}

	matches = s.findMatches(&Message{Kind: KindSignal, Path: "/a", Member: "Other"})
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1 (only the generic watch)", len(matches))
	}
}
