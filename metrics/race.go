// Package metrics adds the observability the teacher's logging-only
// approach lacks: histogram-backed recorders operators can query to see
// whether direct connects are actually winning the direct/indirect race in
// practice. Grounded on paypal-junodb's junoload/stats.go RequestStat,
// which wraps the same hdrhistogram.Histogram in a mutex for concurrent
// Put/GetStats access.
package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Branch identifies which side of a direct/indirect race produced the
// winning connection.
type Branch int

const (
	BranchDirect Branch = iota
	BranchIndirect
)

func (b Branch) String() string {
	if b == BranchIndirect {
		return "indirect"
	}
	return "direct"
}

// RaceSnapshot is a point-in-time read of a RaceRecorder's histogram.
type RaceSnapshot struct {
	Samples       int64
	DirectWins    int64
	IndirectWins  int64
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration
}

// RaceRecorder tracks how long PCM's direct/indirect connect race takes to
// resolve and which branch won. One recorder is shared across all races a
// Manager runs.
type RaceRecorder struct {
	mu           sync.Mutex
	hist         *hdrhistogram.Histogram
	directWins   int64
	indirectWins int64
}

// NewRaceRecorder builds a recorder tracking latencies from 1 millisecond
// to 2 minutes at 3 significant figures — wide enough to cover both a
// snappy direct connect and a server-mediated indirect one.
func NewRaceRecorder() *RaceRecorder {
	return &RaceRecorder{
		hist: hdrhistogram.New(1, (2 * time.Minute).Milliseconds(), 3),
	}
}

// Record logs the winning branch and how long the race took to resolve.
func (r *RaceRecorder) Record(winner Branch, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hist.RecordValues(elapsed.Milliseconds(), 1)
	if winner == BranchDirect {
		r.directWins++
	} else {
		r.indirectWins++
	}
}

// Snapshot returns the current distribution and win counts.
func (r *RaceRecorder) Snapshot() RaceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RaceSnapshot{
		Samples:      r.hist.TotalCount(),
		DirectWins:   r.directWins,
		IndirectWins: r.indirectWins,
		P50:          time.Duration(r.hist.ValueAtQuantile(50)) * time.Millisecond,
		P95:          time.Duration(r.hist.ValueAtQuantile(95)) * time.Millisecond,
		P99:          time.Duration(r.hist.ValueAtQuantile(99)) * time.Millisecond,
		Max:          time.Duration(r.hist.Max()) * time.Millisecond,
	}
}
