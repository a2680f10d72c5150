package match

import (
	"errors"
	"fmt"
	"time"

	"github.com/pawnhub/arena-server/internal/clock"
	"github.com/pawnhub/arena-server/internal/rules"
)

var (
	// ErrStale marks a snapshot whose write timestamp is older than the last
	// one processed. Pub/sub may deliver out-of-order snapshots; acting on
	// one would roll the match backwards.
	ErrStale = errors.New("stale snapshot")
	// ErrFlagFell reports that the mover's clock was already exhausted when
	// their move arrived. The move is rejected unapplied.
	ErrFlagFell = errors.New("flag fell")
)

// View is what a reconciled match looks like right now: stored clocks with
// server-time elapsed applied to the side on the move, plus any terminal
// condition the rules engine or the clocks imply. A View never mutates the
// match; transitions it proposes are written back through the store's
// read-verify-write path.
type View struct {
	WhiteMs int64
	BlackMs int64
	Turn    rules.Color

	Status Status
	Winner string

	// Degraded is set when the stored position failed to parse. Clocks are
	// frozen at their stored values and no result is declared.
	Degraded bool
}

// Terminal reports whether the view implies the match is over.
func (v *View) Terminal() bool { return v.Status.Terminal() }

// Reconciler turns observed match snapshots into display clocks and terminal
// decisions. One reconciler serves one match; it remembers the last processed
// write timestamp to reject duplicates and stale deliveries.
type Reconciler struct {
	skew            *clock.SkewEstimator
	lastProcessedMs int64
	localNow        func() time.Time
}

func NewReconciler(skew *clock.SkewEstimator) *Reconciler {
	return &Reconciler{skew: skew, localNow: time.Now}
}

// WithLocalClock overrides the local time source, for tests.
func (r *Reconciler) WithLocalClock(now func() time.Time) *Reconciler {
	r.localNow = now
	return r
}

// Reconcile processes a freshly observed match record.
//
// Order of checks mirrors the authority chain: stale suppression first,
// terminal freeze second, rules-decided endings third, clock arithmetic last.
// A corrupt position halts clock advancement instead of guessing.
//
// Re-reading the same write is allowed: elapsed time is measured from the
// record's own LastWriteMs, so re-evaluation cannot double-count, and the
// resync tick depends on it to flag a timeout when no new write ever arrives.
// Only a strictly older write is rejected.
func (r *Reconciler) Reconcile(m *Match) (*View, error) {
	if m.LastWriteMs < r.lastProcessedMs {
		return nil, fmt.Errorf("%w: write at %d, already processed %d", ErrStale, m.LastWriteMs, r.lastProcessedMs)
	}
	r.lastProcessedMs = m.LastWriteMs

	v := &View{WhiteMs: m.WhiteMs, BlackMs: m.BlackMs, Turn: m.Turn, Status: m.Status, Winner: m.Winner}
	if m.Status.Terminal() {
		return v, nil
	}

	pos, err := rules.Reconstruct(m.MovesUCI)
	if err != nil {
		v.Degraded = true
		return v, err
	}
	v.Turn = pos.SideToMove()

	if term, winner := pos.Termination(); term != rules.TermNone {
		switch term {
		case rules.TermCheckmate:
			v.Status = StatusCheckmate
			v.Winner = m.IDFor(winner)
		case rules.TermStalemate:
			v.Status = StatusStalemate
		default:
			v.Status = StatusDraw
		}
		return v, nil
	}

	// Before the first move the clocks do not run; both sides show their
	// stored allotment regardless of wall time.
	if pos.MoveCount() == 0 {
		return v, nil
	}

	elapsed := r.skew.ElapsedSinceMs(m.LastWriteMs, r.localNow())
	remaining := clock.ApplyElapsed(m.ClockFor(v.Turn), elapsed)
	if v.Turn == rules.White {
		v.WhiteMs = remaining
	} else {
		v.BlackMs = remaining
	}

	if clock.TimedOut(remaining) {
		v.Status = StatusTimeout
		v.Winner = m.IDFor(v.Turn.Other())
	}
	return v, nil
}

// ObserveAck feeds a store acknowledgment into the skew estimate.
func (r *Reconciler) ObserveAck(serverTime time.Time) {
	r.skew.Observe(serverTime, r.localNow())
}

// ApplyMove is the mutation run under the store's read-verify-write to apply
// one move for the given mover. elapsedMs is the server-time elapsed since
// the previous write, already computed through the skew estimator.
//
// The first move of a match consumes no time and earns no increment; every
// later move charges the mover's clock and then credits its increment. A
// pending draw offer is implicitly declined by moving.
func ApplyMove(m *Match, userID, moveText string, elapsedMs int64) (san, uci string, err error) {
	moverColor := m.PlayerColor(userID)
	if moverColor == "" {
		return "", "", fmt.Errorf("user %s not in match %s", userID, m.ID)
	}
	pos, err := rules.Reconstruct(m.MovesUCI)
	if err != nil {
		return "", "", err
	}
	if pos.SideToMove() != moverColor {
		return "", "", fmt.Errorf("not %s's turn", userID)
	}
	firstMove := pos.MoveCount() == 0

	san, uci, err = pos.ApplySAN(moveText)
	if err != nil {
		return "", "", err
	}

	if !firstMove {
		remaining := clock.ApplyElapsed(m.ClockFor(moverColor), elapsedMs)
		if clock.TimedOut(remaining) {
			// flag fell before the move landed; caller transitions to
			// timeout through its own write
			return "", "", fmt.Errorf("%w for %s", ErrFlagFell, moverColor)
		}
		m.SetClock(moverColor, clock.ApplyIncrement(remaining, clock.IncrementMs))
	}

	m.MovesUCI = append(m.MovesUCI, uci)
	m.MovesSAN = append(m.MovesSAN, san)
	m.FEN = pos.FEN()
	m.Turn = pos.SideToMove()
	m.DrawOffer = ""

	if term, winner := pos.Termination(); term != rules.TermNone {
		switch term {
		case rules.TermCheckmate:
			m.Status = StatusCheckmate
			m.Winner = m.IDFor(winner)
		case rules.TermStalemate:
			m.Status = StatusStalemate
		default:
			m.Status = StatusDraw
		}
	}
	return san, uci, nil
}
