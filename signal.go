package dbus

import "sync"

// signalWatchSet indexes live watches by path/interface/member so
// findMatches can narrow candidates without scanning every watch on
// every incoming signal. An empty key at any level means "watches
// registered without an opinion on this field," which must be
// consulted for every message regardless of that message's own value.
type signalWatchSet map[ObjectPath]map[string]map[string][]*SignalWatch

func (s signalWatchSet) add(w *SignalWatch) {
	byInterface, ok := s[w.rule.Path]
	if !ok {
		byInterface = make(map[string]map[string][]*SignalWatch)
		s[w.rule.Path] = byInterface
	}
	byMember, ok := byInterface[w.rule.Interface]
	if !ok {
		byMember = make(map[string][]*SignalWatch)
		byInterface[w.rule.Interface] = byMember
	}
	byMember[w.rule.Member] = append(byMember[w.rule.Member], w)
}

func (s signalWatchSet) remove(w *SignalWatch) bool {
	byInterface, ok := s[w.rule.Path]
	if !ok {
		return false
	}
	byMember, ok := byInterface[w.rule.Interface]
	if !ok {
		return false
	}
	watches, ok := byMember[w.rule.Member]
	if !ok {
		return false
	}
	for i, other := range watches {
		if other == w {
			watches[i] = watches[len(watches)-1]
			byMember[w.rule.Member] = watches[:len(watches)-1]
			return true
		}
	}
	return false
}

// findMatches returns every registered watch whose rule matches msg,
// trying every combination of "this field" and "any field" at each of
// the three indexed levels since a watch may leave any of them empty.
func (s signalWatchSet) findMatches(msg *Message) []*SignalWatch {
	pathKeys := []ObjectPath{""}
	if msg.Path != "" {
		pathKeys = append(pathKeys, msg.Path)
	}
	ifaceKeys := []string{""}
	if msg.Interface != "" {
		ifaceKeys = append(ifaceKeys, msg.Interface)
	}
	memberKeys := []string{""}
	if msg.Member != "" {
		memberKeys = append(memberKeys, msg.Member)
	}

	var matches []*SignalWatch
	for _, path := range pathKeys {
		byInterface, ok := s[path]
		if !ok {
			continue
		}
		for _, iface := range ifaceKeys {
			byMember, ok := byInterface[iface]
			if !ok {
				continue
			}
			for _, member := range memberKeys {
				for _, w := range byMember[member] {
					if w.rule.match(msg) {
						matches = append(matches, w)
					}
				}
			}
		}
	}
	return matches
}

// SignalWatch is a live subscription to signal-kind messages matching
// a MatchRule. Matching messages are delivered on C; Cancel stops
// delivery and, best-effort, asks the bus daemon to drop the
// corresponding match rule.
type SignalWatch struct {
	bus  *Connection
	rule *MatchRule
	C    chan *Message

	cancelOnce sync.Once
}

// WatchSignal registers rule with the bus daemon via AddMatch and
// returns a SignalWatch that receives every subsequently-dispatched
// signal matching it on its C channel. The channel is unbuffered but
// fed from the connection's single reader goroutine, so a slow
// receiver backs up dispatch of later messages until it takes the
// pending one. Cancel does not unblock that send: it waits for it to
// finish (see Cancel).
func (c *Connection) WatchSignal(rule *MatchRule) (*SignalWatch, error) {
	w := &SignalWatch{
		bus:  c,
		rule: rule,
		C:    make(chan *Message),
	}

	c.signalMu.Lock()
	c.signalWatches.add(w)
	c.signalMu.Unlock()

	if err := c.addMatch(rule.String()); err != nil {
		c.signalMu.Lock()
		c.signalWatches.remove(w)
		c.signalMu.Unlock()
		return nil, err
	}
	return w, nil
}

// Cancel stops delivery to w.C and closes it. It is safe to call more
// than once; only the first call has any effect. The remove and the
// close happen under the same lock dispatch holds across delivery
// (connection.go's dispatch), so a signal already in flight to w.C
// always finishes its send before close runs, and one arriving after
// Cancel never finds w in the watch set to send to at all — either
// way, close can never race a send.
func (w *SignalWatch) Cancel() error {
	var err error
	w.cancelOnce.Do(func() {
		w.bus.signalMu.Lock()
		found := w.bus.signalWatches.remove(w)
		close(w.C)
		w.bus.signalMu.Unlock()
		if found {
			err = w.bus.removeMatch(w.rule.String())
		}
	})
	return err
}
