package dbus

import (
	"fmt"
	"strings"
)

// MatchRule selects which signal-kind messages a SignalWatch receives.
// A zero field in any of Sender/Path/Interface/Member matches any
// value; MessageKind is implicitly KindSignal, since match rules in
// this core are only ever used for signal subscription.
type MatchRule struct {
	Sender    string
	Path      ObjectPath
	Interface string
	Member    string
}

// String renders the rule in org.freedesktop.DBus.AddMatch syntax, the
// comma-separated key='value' form the bus daemon's AddMatch method
// expects as its sole string argument.
func (r *MatchRule) String() string {
	params := make([]string, 0, 5)
	params = append(params, "type='signal'")
	if r.Sender != "" {
		params = append(params, fmt.Sprintf("sender='%s'", r.Sender))
	}
	if r.Path != "" {
		params = append(params, fmt.Sprintf("path='%s'", r.Path))
	}
	if r.Interface != "" {
		params = append(params, fmt.Sprintf("interface='%s'", r.Interface))
	}
	if r.Member != "" {
		params = append(params, fmt.Sprintf("member='%s'", r.Member))
	}
	return strings.Join(params, ",")
}

// match reports whether msg, already known to be a signal, satisfies
// every non-empty field of the rule.
func (r *MatchRule) match(msg *Message) bool {
	if r.Sender != "" && r.Sender != msg.Sender {
		return false
	}
	if r.Path != "" && r.Path != msg.Path {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Interface {
		return false
	}
	if r.Member != "" && r.Member != msg.Member {
		return false
	}
	return true
}
