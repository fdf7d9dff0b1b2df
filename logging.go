package dbus

import "github.com/sirupsen/logrus"

// connLogFields builds the base structured fields attached to every
// lifecycle log entry a Connection emits, in the style of
// marselester-systemd's unit-keyed log lines. uniqueName is read under
// its own lock since it is assigned concurrently with the dispatch
// goroutine's first log lines (Connect sets it only after starting
// dispatchLoop).
func connLogFields(c *Connection) logrus.Fields {
	c.uniqueNameMu.RLock()
	defer c.uniqueNameMu.RUnlock()
	fields := logrus.Fields{}
	if c.uniqueName != "" {
		fields["unique_name"] = c.uniqueName
	}
	return fields
}

// logEntry returns a logrus.Entry pre-populated with this connection's
// base fields, so every call site only needs to add what is specific
// to that log line.
func (c *Connection) logEntry() *logrus.Entry {
	return c.log.WithFields(connLogFields(c))
}
