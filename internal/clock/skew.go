package clock

import (
	"sync"
	"time"
)

// SkewEstimator tracks the offset between the local wall clock and the remote
// store's server clock. Elapsed-time math against server-assigned timestamps
// must go through it; a local delta measured across a network round trip is
// never trustworthy.
type SkewEstimator struct {
	mu       sync.Mutex
	offsetMs int64
	observed bool
}

func NewSkewEstimator() *SkewEstimator { return &SkewEstimator{} }

// Observe records a fresh offset from an acknowledged read or write. Latency
// varies per call, so every ack overwrites the previous estimate.
func (s *SkewEstimator) Observe(serverTime, localAtAck time.Time) {
	if serverTime.IsZero() || localAtAck.IsZero() {
		return
	}
	s.mu.Lock()
	s.offsetMs = serverTime.UnixMilli() - localAtAck.UnixMilli()
	s.observed = true
	s.mu.Unlock()
}

// ServerNowMs estimates the current server time in epoch milliseconds.
func (s *SkewEstimator) ServerNowMs(localNow time.Time) int64 {
	s.mu.Lock()
	off := s.offsetMs
	s.mu.Unlock()
	return localNow.UnixMilli() + off
}

// ElapsedSinceMs returns server-time elapsed since the server timestamp t,
// clamped at zero: offset recalculation can briefly lag behind a write ack and
// produce a negative delta, which must never advance a clock.
func (s *SkewEstimator) ElapsedSinceMs(tServerMs int64, localNow time.Time) int64 {
	d := s.ServerNowMs(localNow) - tServerMs
	if d < 0 {
		return 0
	}
	return d
}

// Observed reports whether at least one ack has been seen.
func (s *SkewEstimator) Observed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observed
}
