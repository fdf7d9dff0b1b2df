package dbus

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Default tuning constants, in the style of marselester-systemd's
// config.go: named, documented defaults a caller can override one at
// a time via functional options rather than constructing a struct.
const (
	// DefaultReadBufferSize sizes the buffered reader each
	// Connection uses over its socket.
	DefaultReadBufferSize = 4096
	// DefaultCallTimeout bounds how long Call waits for a reply
	// before evicting its own waiter with a TimeoutError. Zero means
	// "no timeout," see WithCallTimeout.
	DefaultCallTimeout = 25 * time.Second
	// DefaultDialTimeout bounds dialing the transport and completing
	// the SASL handshake and Hello call.
	DefaultDialTimeout = 10 * time.Second
)

// config collects the options Connect accepts.
type config struct {
	address        string
	readBufferSize int
	callTimeout    time.Duration
	dialTimeout    time.Duration
	logger         *logrus.Logger
}

func defaultConfig() *config {
	return &config{
		readBufferSize: DefaultReadBufferSize,
		callTimeout:    DefaultCallTimeout,
		dialTimeout:    DefaultDialTimeout,
		logger:         logrus.StandardLogger(),
	}
}

// Option configures a Connection at construction time.
type Option func(*config)

// WithAddress overrides the bus address instead of reading
// DBUS_SESSION_BUS_ADDRESS from the environment (spec.md §6).
func WithAddress(addr string) Option {
	return func(c *config) { c.address = addr }
}

// WithReadBufferSize sets the size of the buffer the connection reads
// socket fragments into before handing them to the reassembler.
func WithReadBufferSize(size int) Option {
	return func(c *config) { c.readBufferSize = size }
}

// WithCallTimeout bounds how long Call waits for a reply. A zero
// duration disables the timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *config) { c.callTimeout = d }
}

// WithDialTimeout bounds dialing, the SASL handshake, and the Hello
// call during Connect.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) { c.dialTimeout = d }
}

// WithLogger injects a logger for connection lifecycle events,
// replacing the default logrus.StandardLogger().
func WithLogger(l *logrus.Logger) Option {
	return func(c *config) { c.logger = l }
}
