package netconn

import "time"

// watchdogInterval is fixed per spec.md §4.2 — not configurable.
const watchdogInterval = 250 * time.Millisecond

// Options bounds connect behavior and buffer sizing. Zero values pick the
// defaults below except InactivityTimeout, where zero deliberately disables
// the timer (spec.md §4.2).
type Options struct {
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration
	ReadBufferSize    int
	WriteBufferSize   int
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    10 * time.Second,
		InactivityTimeout: 0,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
	}
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 4096
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 4096
	}
	return o
}
