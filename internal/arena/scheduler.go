package arena

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pawnhub/arena-server/internal/clock"
	"github.com/pawnhub/arena-server/internal/engine"
	"github.com/pawnhub/arena-server/internal/match"
	"github.com/pawnhub/arena-server/internal/obslog"
	"github.com/pawnhub/arena-server/internal/rules"
)

// MoveSource generates a move for a bot in a given position. The production
// implementation is the external move service client; tests inject a fake.
type MoveSource interface {
	BestMove(ctx context.Context, botID, positionFEN string) (*engine.Move, error)
}

// BotScheduler requests bot moves for one match. It is level-triggered: every
// qualifying state observation may schedule a request, and a failed request
// simply waits for the next one. The single in-flight flag guarantees at most
// one outstanding request per match.
type BotScheduler struct {
	matches  *match.Store
	source   MoveSource
	skew     *clock.SkewEstimator
	localNow func() time.Time

	inFlight atomic.Bool
}

func NewBotScheduler(matches *match.Store, source MoveSource, skew *clock.SkewEstimator) *BotScheduler {
	return &BotScheduler{matches: matches, source: source, skew: skew, localNow: time.Now}
}

// MaybeSchedule fires a bot move request when the observed state says the bot
// holds the move. Duplicate triggers while a request is outstanding are
// dropped by the flag, not queued.
func (b *BotScheduler) MaybeSchedule(ctx context.Context, observed *match.Match) {
	if observed == nil || observed.Status.Terminal() || !observed.BotToMove() {
		return
	}
	if !b.inFlight.CompareAndSwap(false, true) {
		return
	}
	go b.run(ctx, observed.ID)
}

// InFlight reports whether a request is currently outstanding.
func (b *BotScheduler) InFlight() bool { return b.inFlight.Load() }

func (b *BotScheduler) run(ctx context.Context, matchID string) {
	defer b.inFlight.Store(false)

	// Re-verify against fresh authoritative state: the decision to schedule
	// may predate a move, a resignation, or a terminal write.
	cur, ts, err := b.matches.Load(ctx, matchID)
	if err != nil {
		obslog.L().Warn("bot_verify_load_error", zap.String("match_id", matchID), zap.Error(err))
		return
	}
	b.skew.Observe(ts, b.localNow())
	if cur.Status.Terminal() || !cur.BotToMove() {
		return
	}
	pos, err := rules.Reconstruct(cur.MovesUCI)
	if err != nil {
		obslog.L().Error("bot_verify_corrupt_position", zap.String("match_id", matchID), zap.Error(err))
		return
	}
	if term, _ := pos.Termination(); term != rules.TermNone {
		return
	}

	mv, err := b.source.BestMove(ctx, cur.BotID, pos.FEN())
	if err != nil {
		// state untouched; the next qualifying observation retries
		obslog.L().Warn("bot_move_request_failed", zap.String("match_id", matchID), zap.String("bot_id", cur.BotID), zap.Error(err))
		return
	}
	uci := rules.JoinUCI(mv.From, mv.To, mv.Promotion)

	var san string
	updated, wts, err := b.matches.UpdateActive(ctx, matchID, func(m *match.Match) error {
		elapsed := b.skew.ElapsedSinceMs(m.LastWriteMs, b.localNow())
		s, _, aerr := match.ApplyMove(m, m.BotID, uci, elapsed)
		if aerr != nil {
			return aerr
		}
		san = s
		return nil
	})
	if err != nil {
		if errors.Is(err, match.ErrTerminal) {
			return
		}
		if errors.Is(err, rules.ErrIllegalMove) {
			// never write an unvalidated move from the external generator
			obslog.L().Error("bot_move_rejected_illegal", zap.String("match_id", matchID), zap.String("uci", uci))
			return
		}
		obslog.L().Warn("bot_move_apply_error", zap.String("match_id", matchID), zap.String("uci", uci), zap.Error(err))
		return
	}
	b.skew.Observe(wts, b.localNow())
	obslog.L().Info("bot_move",
		zap.String("match_id", matchID),
		zap.String("bot_id", updated.BotID),
		zap.String("uci", uci),
		zap.String("san", san),
		zap.String("status", string(updated.Status)),
	)
}
