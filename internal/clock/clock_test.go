package clock

import "testing"

func TestApplyElapsed(t *testing.T) {
	if got := ApplyElapsed(600_000, 1_500); got != 598_500 {
		t.Fatalf("ApplyElapsed = %d, want 598500", got)
	}
	if got := ApplyElapsed(1_000, 5_000); got != 0 {
		t.Fatalf("ApplyElapsed should clamp at zero, got %d", got)
	}
	if got := ApplyElapsed(1_000, 0); got != 1_000 {
		t.Fatalf("zero elapsed should not change budget, got %d", got)
	}
	if got := ApplyElapsed(1_000, -50); got != 1_000 {
		t.Fatalf("negative elapsed must never credit time, got %d", got)
	}
}

func TestApplyIncrement(t *testing.T) {
	if got := ApplyIncrement(598_500, IncrementMs); got != 600_500 {
		t.Fatalf("ApplyIncrement = %d, want 600500", got)
	}
	if got := ApplyIncrement(1_000, 0); got != 1_000 {
		t.Fatalf("zero increment changed budget: %d", got)
	}
}

func TestTimedOut(t *testing.T) {
	if TimedOut(1) {
		t.Fatalf("1ms remaining is not a timeout")
	}
	if !TimedOut(0) || !TimedOut(-10) {
		t.Fatalf("zero or negative remaining must time out")
	}
}
