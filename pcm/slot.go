package pcm

import "slskpeer/msgconn"

// cacheEntry is one live message connection cached under a username. gen
// orders successive installs against each other so a supersession — an
// inbound connection replacing an outbound one, or vice versa, arriving
// concurrently — always keeps the most recently installed one, per
// spec.md §3's "cache holds ... the most-recently-established one".
type cacheEntry struct {
	conn *msgconn.MessageConnection
	gen  uint64
}
