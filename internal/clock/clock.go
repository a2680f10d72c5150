package clock

// Arena time control. All values are milliseconds, matching the wire format
// stored on the match record.
const (
	InitialAllotmentMs = 600_000
	IncrementMs        = 2_000

	FirstMoveGraceMs  = 20_000
	DisconnectAbortMs = 20_000
	TerminalSettleMs  = 10_000
	ResyncIntervalMs  = 5_000
)

// ApplyElapsed subtracts elapsed time from a remaining budget. The result is
// clamped at zero; a clock never reads negative.
func ApplyElapsed(remainingMs, elapsedMs int64) int64 {
	if elapsedMs <= 0 {
		return remainingMs
	}
	r := remainingMs - elapsedMs
	if r < 0 {
		return 0
	}
	return r
}

// ApplyIncrement credits the per-move increment to the side that just moved.
// Callers must only invoke it once per applied move, and never for the first
// move of a match (the first move consumes no time and earns no increment).
func ApplyIncrement(remainingMs, incrementMs int64) int64 {
	if incrementMs <= 0 {
		return remainingMs
	}
	return remainingMs + incrementMs
}

// TimedOut reports whether a side on the move has exhausted its budget.
func TimedOut(remainingMs int64) bool { return remainingMs <= 0 }
