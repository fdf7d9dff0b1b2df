package dbus

import "testing"

func TestMatchRuleString(t *testing.T) {
	r := &MatchRule{Sender: "org.example", Path: "/a", Interface: "org.example.I", Member: "Changed"}
	want := "type='signal',sender='org.example',path='/a',interface='org.example.I',member='Changed'"
	if got := r.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestMatchRuleStringEmptyFields(t *testing.T) {
	r := &MatchRule{}
	if got := r.String(); got != "type='signal'" {
		t.Errorf("String() = %q, want \"type='signal'\"", got)
	}
}

func TestMatchRuleMatch(t *testing.T) {
	r := &MatchRule{Interface: "org.example.I", Member: "Changed"}
	matching := &Message{Kind: KindSignal, Interface: "org.example.I", Member: "Changed", Path: "/anything"}
	if !r.match(matching) {
		t.Error("expected rule to match")
	}

	wrongMember := &Message{Kind: KindSignal, Interface: "org.example.I", Member: "Other"}
	if r.match(wrongMember) {
		t.Error("expected rule not to match a different member")
	}
}

func TestMatchRuleEmptyFieldMatchesAnything(t *testing.T) {
	r := &MatchRule{Member: "Changed"}
	msg := &Message{Kind: KindSignal, Interface: "whatever.at.all", Member: "Changed"}
	if !r.match(msg) {
		t.Error("a rule with an empty Interface should match any interface")
	}
}
