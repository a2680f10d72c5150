package clock

import (
	"testing"
	"time"
)

func TestSkewEstimatorOffset(t *testing.T) {
	s := NewSkewEstimator()
	if s.Observed() {
		t.Fatalf("fresh estimator should not report observed")
	}

	local := time.UnixMilli(1_000_000)
	server := time.UnixMilli(1_003_500) // server runs 3.5s ahead
	s.Observe(server, local)
	if !s.Observed() {
		t.Fatalf("estimator should report observed after an ack")
	}

	later := local.Add(2 * time.Second)
	if got := s.ServerNowMs(later); got != 1_005_500 {
		t.Fatalf("ServerNowMs = %d, want 1005500", got)
	}
}

func TestElapsedSinceMsClampsNegative(t *testing.T) {
	s := NewSkewEstimator()
	local := time.UnixMilli(500_000)
	s.Observe(time.UnixMilli(500_000), local)

	// write stamped slightly in the future relative to the estimate
	if got := s.ElapsedSinceMs(501_000, local); got != 0 {
		t.Fatalf("negative elapsed must clamp to 0, got %d", got)
	}
	if got := s.ElapsedSinceMs(499_000, local); got != 1_000 {
		t.Fatalf("ElapsedSinceMs = %d, want 1000", got)
	}
}

func TestObserveOverwritesPreviousOffset(t *testing.T) {
	s := NewSkewEstimator()
	local := time.UnixMilli(100_000)
	s.Observe(time.UnixMilli(101_000), local)
	s.Observe(time.UnixMilli(100_200), local)
	if got := s.ServerNowMs(local); got != 100_200 {
		t.Fatalf("latest ack should win, got %d", got)
	}
}
