package arena

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pawnhub/arena-server/internal/challenge"
	"github.com/pawnhub/arena-server/internal/clock"
	"github.com/pawnhub/arena-server/internal/match"
	"github.com/pawnhub/arena-server/internal/obslog"
	"github.com/pawnhub/arena-server/internal/rules"
	"github.com/pawnhub/arena-server/internal/store"
)

// State is where a user's session sits in the arena lifecycle.
type State string

const (
	StateIdle         State = "IDLE"
	StateChallenged   State = "CHALLENGED"    // outgoing proposal pending
	StateChallengedBy State = "CHALLENGED_BY" // incoming proposal pending
	StateInGame       State = "IN_GAME"
)

var (
	ErrNotIdle   = errors.New("session is not idle")
	ErrNotInGame = errors.New("session has no active match")
	ErrNoOffer   = errors.New("no draw offer pending")
	ErrOwnOffer  = errors.New("cannot respond to your own draw offer")
)

// Update is one reconciled observation delivered to the session's consumer.
type Update struct {
	Match *match.Match
	View  *match.View
}

// Session is the per-user lifecycle state machine:
//
//	idle → challenged | challenged_by → in_game → (terminal settle) → idle
//
// It owns every timer the lifecycle needs (first-move grace, opponent
// disconnect, terminal settle, resync tick), so correctness does not depend
// on any browser tab staying open. All the overlapping per-match flags live
// here as named fields instead of being scattered across observers.
type Session struct {
	userID   string
	userName string

	client     store.Client
	matches    *match.Store
	challenges *challenge.Store
	presence   *Presence
	source     MoveSource

	skew     *clock.SkewEstimator
	localNow func() time.Time
	archiver Archiver

	graceDur      time.Duration
	disconnectDur time.Duration
	settleDur     time.Duration
	resyncDur     time.Duration

	updates chan Update

	mu              sync.Mutex
	state           State
	matchID         string
	rec             *match.Reconciler
	sched           *BotScheduler
	matchSub        *store.Subscription
	outSub          *store.Subscription
	outTarget       string
	graceTimer      *time.Timer
	disconnectTimer *time.Timer
	settleTimer     *time.Timer
	loopStop        chan struct{}
	closed          bool
}

func NewSession(userID, userName string, client store.Client, source MoveSource) *Session {
	return &Session{
		userID:        userID,
		userName:      userName,
		client:        client,
		matches:       match.NewStore(client),
		challenges:    challenge.NewStore(client),
		presence:      NewPresence(client),
		source:        source,
		skew:          clock.NewSkewEstimator(),
		localNow:      time.Now,
		updates:       make(chan Update, 16),
		state:         StateIdle,
		graceDur:      clock.FirstMoveGraceMs * time.Millisecond,
		disconnectDur: clock.DisconnectAbortMs * time.Millisecond,
		settleDur:     clock.TerminalSettleMs * time.Millisecond,
		resyncDur:     clock.ResyncIntervalMs * time.Millisecond,
	}
}

// Archiver receives finished matches for durable storage. Archiving is
// best-effort from the session's point of view; failures are logged, never
// surfaced into the lifecycle.
type Archiver interface {
	SaveResult(ctx context.Context, m *match.Match) error
}

// WithArchiver attaches a durable sink for finished matches.
func (s *Session) WithArchiver(a Archiver) *Session {
	s.archiver = a
	return s
}

// WithTimings overrides the lifecycle durations, for tests.
func (s *Session) WithTimings(grace, disconnect, settle, resync time.Duration) *Session {
	s.graceDur = grace
	s.disconnectDur = disconnect
	s.settleDur = settle
	s.resyncDur = resync
	return s
}

// Updates streams reconciled match observations to the session's consumer.
func (s *Session) Updates() <-chan Update { return s.updates }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) MatchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchID
}

// Resume re-attaches a reconnecting user to their current match, if the
// pointer names one that is still active. Otherwise the session starts idle.
func (s *Session) Resume(ctx context.Context) error {
	id, ts, err := s.matches.Pointer(ctx, s.userID)
	if err != nil {
		return err
	}
	s.skew.Observe(ts, s.localNow())
	if id == "" {
		return nil
	}
	m, mts, err := s.matches.Load(ctx, id)
	if err != nil {
		if errors.Is(err, match.ErrNotFound) {
			return nil
		}
		return err
	}
	s.skew.Observe(mts, s.localNow())
	if m.Status.Terminal() {
		return nil
	}
	return s.enterMatch(ctx, m)
}

// SendChallenge writes an outgoing proposal and watches its slot. The
// proposal disappearing together with a match pointer appearing means the
// opponent accepted; disappearing alone means declined.
func (s *Session) SendChallenge(ctx context.Context, targetID string) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.mu.Unlock()

	ch, ts, err := s.challenges.Create(ctx, s.userID, s.userName, targetID)
	if err != nil {
		return err
	}
	s.skew.Observe(ts, s.localNow())

	sub, err := s.challenges.Subscribe(ctx, targetID)
	if err != nil {
		_ = s.challenges.Decline(ctx, targetID)
		return err
	}

	s.mu.Lock()
	s.state = StateChallenged
	s.outTarget = targetID
	s.outSub = sub
	s.mu.Unlock()

	obslog.L().Info("challenge_sent", zap.String("challenge_id", ch.ID), zap.String("from", s.userID), zap.String("to", targetID))
	go s.watchOutgoing(ctx, sub)
	return nil
}

func (s *Session) watchOutgoing(ctx context.Context, sub *store.Subscription) {
	for snap := range sub.C {
		if snap.Value != nil {
			continue
		}
		// challenge slot emptied: consumed into a match, or declined
		s.mu.Lock()
		if s.state != StateChallenged {
			s.mu.Unlock()
			return
		}
		s.state = StateIdle
		s.outTarget = ""
		s.outSub = nil
		s.mu.Unlock()
		sub.Cancel()

		id, ts, err := s.matches.Pointer(ctx, s.userID)
		if err != nil {
			obslog.L().Warn("challenge_resolve_error", zap.String("user_id", s.userID), zap.Error(err))
			return
		}
		s.skew.Observe(ts, s.localNow())
		if id == "" {
			obslog.L().Info("challenge_declined", zap.String("user_id", s.userID))
			return
		}
		m, mts, err := s.matches.Load(ctx, id)
		if err != nil {
			obslog.L().Warn("challenge_resolve_load_error", zap.String("match_id", id), zap.Error(err))
			return
		}
		s.skew.Observe(mts, s.localNow())
		if err := s.enterMatch(ctx, m); err != nil {
			obslog.L().Error("challenge_enter_match_error", zap.String("match_id", id), zap.Error(err))
		}
		return
	}
}

// Incoming returns the pending incoming challenge, if any, and moves the
// session to challenged_by. A session already in a match or waiting on its
// own proposal cannot pick up a new one.
func (s *Session) Incoming(ctx context.Context) (*challenge.Challenge, error) {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateChallengedBy {
		s.mu.Unlock()
		return nil, ErrNotIdle
	}
	s.mu.Unlock()

	ch, ts, err := s.challenges.Get(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	s.skew.Observe(ts, s.localNow())
	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateChallengedBy
	}
	s.mu.Unlock()
	return ch, nil
}

// Accept creates the match from the incoming challenge, then retracts the
// challenge record. The match and its pointers must exist before the
// retraction publishes: the challenger distinguishes accept from decline by
// whether a current-match pointer appears when the challenge disappears.
//
// A session already in a match refuses: accepting would abandon the live
// match and tear down its subscription mid-game.
func (s *Session) Accept(ctx context.Context) (*match.Match, error) {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateChallengedBy {
		s.mu.Unlock()
		return nil, ErrNotIdle
	}
	s.mu.Unlock()

	ch, _, err := s.challenges.Get(ctx, s.userID)
	if err != nil {
		s.toIdle()
		return nil, err
	}

	whiteID, whiteName := ch.ChallengerID, ch.ChallengerName
	blackID, blackName := s.userID, s.userName
	if coinFlip() {
		whiteID, whiteName, blackID, blackName = blackID, blackName, whiteID, whiteName
	}
	m := newMatch(whiteID, whiteName, blackID, blackName)

	ts, err := s.matches.Create(ctx, m)
	if err != nil {
		s.toIdle()
		return nil, err
	}
	if _, err := s.challenges.Consume(ctx, s.userID, ch.ChallengerID); err != nil {
		obslog.L().Warn("challenge_consume_error", zap.String("challenge_id", ch.ID), zap.Error(err))
	}
	s.skew.Observe(ts, s.localNow())
	obslog.L().Info("match_create",
		zap.String("match_id", m.ID),
		zap.String("white_id", m.WhiteID),
		zap.String("black_id", m.BlackID),
	)
	if err := s.enterMatch(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Decline clears the incoming challenge only.
func (s *Session) Decline(ctx context.Context) error {
	err := s.challenges.Decline(ctx, s.userID)
	s.toIdle()
	obslog.L().Info("challenge_decline", zap.String("user_id", s.userID))
	return err
}

// StartBotMatch creates a match against a bot opponent immediately; there is
// no handshake to wait for.
func (s *Session) StartBotMatch(ctx context.Context, botID string) (*match.Match, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrNotIdle
	}
	s.mu.Unlock()

	whiteID, whiteName := s.userID, s.userName
	blackID, blackName := botID, botID
	botColor := rules.Black
	if coinFlip() {
		whiteID, whiteName, blackID, blackName = blackID, blackName, whiteID, whiteName
		botColor = rules.White
	}
	m := newMatch(whiteID, whiteName, blackID, blackName)
	m.BotID = botID
	m.BotColor = botColor

	ts, err := s.matches.Create(ctx, m)
	if err != nil {
		return nil, err
	}
	s.skew.Observe(ts, s.localNow())
	obslog.L().Info("match_create_bot",
		zap.String("match_id", m.ID),
		zap.String("user_id", s.userID),
		zap.String("bot_id", botID),
		zap.String("bot_color", string(botColor)),
	)
	if err := s.enterMatch(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Move applies the user's move under read-verify-write, charging server-time
// elapsed to their clock and crediting the increment. A fallen flag turns
// into a timeout transition instead of a move.
func (s *Session) Move(ctx context.Context, moveText string) (*match.Match, error) {
	s.mu.Lock()
	if s.state != StateInGame || s.matchID == "" {
		s.mu.Unlock()
		return nil, ErrNotInGame
	}
	id := s.matchID
	s.mu.Unlock()

	updated, ts, err := s.matches.UpdateActive(ctx, id, func(m *match.Match) error {
		elapsed := s.skew.ElapsedSinceMs(m.LastWriteMs, s.localNow())
		_, _, aerr := match.ApplyMove(m, s.userID, moveText, elapsed)
		return aerr
	})
	if err != nil {
		if errors.Is(err, match.ErrFlagFell) {
			return s.forceTimeout(ctx, id)
		}
		return nil, err
	}
	s.skew.Observe(ts, s.localNow())
	obslog.L().Info("match_move",
		zap.String("match_id", id),
		zap.String("user_id", s.userID),
		zap.String("status", string(updated.Status)),
	)
	s.afterWrite(ctx, updated)
	return updated, nil
}

// LegalTargets lists destination squares reachable from the given origin in
// the current match, for client-side move highlighting.
func (s *Session) LegalTargets(ctx context.Context, from string) ([]string, error) {
	s.mu.Lock()
	if s.state != StateInGame || s.matchID == "" {
		s.mu.Unlock()
		return nil, ErrNotInGame
	}
	id := s.matchID
	s.mu.Unlock()

	m, ts, err := s.matches.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.skew.Observe(ts, s.localNow())
	pos, err := rules.Reconstruct(m.MovesUCI)
	if err != nil {
		return nil, err
	}
	return pos.LegalTargets(from), nil
}

// Resign ends the match in the opponent's favor.
func (s *Session) Resign(ctx context.Context) (*match.Match, error) {
	s.mu.Lock()
	if s.state != StateInGame || s.matchID == "" {
		s.mu.Unlock()
		return nil, ErrNotInGame
	}
	id := s.matchID
	s.mu.Unlock()

	updated, ts, err := s.matches.UpdateActive(ctx, id, func(m *match.Match) error {
		if m.PlayerColor(s.userID) == "" {
			return fmt.Errorf("user %s not in match %s", s.userID, m.ID)
		}
		m.Status = match.StatusResigned
		m.Winner = m.OpponentID(s.userID)
		m.DrawOffer = ""
		return nil
	})
	if err != nil {
		if errors.Is(err, match.ErrTerminal) {
			return updated, nil
		}
		return nil, err
	}
	s.skew.Observe(ts, s.localNow())
	obslog.L().Info("match_resign", zap.String("match_id", id), zap.String("resigner", s.userID), zap.String("winner", updated.Winner))
	s.afterWrite(ctx, updated)
	return updated, nil
}

// OfferDraw persists a pending offer on the match record so the opponent can
// see it. It is cleared by accept, decline, or any move.
func (s *Session) OfferDraw(ctx context.Context) (*match.Match, error) {
	s.mu.Lock()
	if s.state != StateInGame || s.matchID == "" {
		s.mu.Unlock()
		return nil, ErrNotInGame
	}
	id := s.matchID
	s.mu.Unlock()

	updated, ts, err := s.matches.UpdateActive(ctx, id, func(m *match.Match) error {
		if m.PlayerColor(s.userID) == "" {
			return fmt.Errorf("user %s not in match %s", s.userID, m.ID)
		}
		m.DrawOffer = s.userID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.skew.Observe(ts, s.localNow())
	obslog.L().Info("draw_offer", zap.String("match_id", id), zap.String("from", s.userID))
	return updated, nil
}

// RespondDraw accepts or declines the opponent's pending offer.
func (s *Session) RespondDraw(ctx context.Context, accept bool) (*match.Match, error) {
	s.mu.Lock()
	if s.state != StateInGame || s.matchID == "" {
		s.mu.Unlock()
		return nil, ErrNotInGame
	}
	id := s.matchID
	s.mu.Unlock()

	updated, ts, err := s.matches.UpdateActive(ctx, id, func(m *match.Match) error {
		if m.DrawOffer == "" {
			return ErrNoOffer
		}
		if m.DrawOffer == s.userID {
			return ErrOwnOffer
		}
		m.DrawOffer = ""
		if accept {
			m.Status = match.StatusDraw
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.skew.Observe(ts, s.localNow())
	obslog.L().Info("draw_response", zap.String("match_id", id), zap.String("user_id", s.userID), zap.Bool("accepted", accept))
	s.afterWrite(ctx, updated)
	return updated, nil
}

// Close tears the session down: subscriptions cancelled, timers stopped. The
// match itself keeps running server-side; a reconnect resumes it.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.detachMatchLocked()
	if s.outSub != nil {
		s.outSub.Cancel()
		s.outSub = nil
	}
	close(s.updates)
}

// ---- internals ----

func newMatch(whiteID, whiteName, blackID, blackName string) *match.Match {
	pos, _ := rules.Reconstruct(nil)
	return &match.Match{
		ID:        "m-" + uuid.NewString(),
		WhiteID:   whiteID,
		WhiteName: whiteName,
		BlackID:   blackID,
		BlackName: blackName,
		FEN:       pos.FEN(),
		MovesUCI:  []string{},
		MovesSAN:  []string{},
		Turn:      rules.White,
		WhiteMs:   clock.InitialAllotmentMs,
		BlackMs:   clock.InitialAllotmentMs,
		Status:    match.StatusActive,
	}
}

func coinFlip() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	return err == nil && n.Int64() == 0
}

// toIdle backs out of a pending challenge. It never demotes an in-game
// session: an error while handling a stray challenge must not detach a live
// match.
func (s *Session) toIdle() {
	s.mu.Lock()
	if s.state == StateChallenged || s.state == StateChallengedBy {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

func (s *Session) enterMatch(ctx context.Context, m *match.Match) error {
	sub, err := s.matches.Subscribe(ctx, m.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateInGame {
		// already attached; overwriting the subscription and timers here
		// would leak the old listener and abandon the live match
		s.mu.Unlock()
		sub.Cancel()
		return ErrNotIdle
	}
	s.state = StateInGame
	s.matchID = m.ID
	s.rec = match.NewReconciler(s.skew).WithLocalClock(s.localNow)
	s.sched = NewBotScheduler(s.matches, s.source, s.skew)
	s.matchSub = sub
	s.loopStop = make(chan struct{})
	if len(m.MovesUCI) == 0 {
		id := m.ID
		s.graceTimer = time.AfterFunc(s.graceDur, func() { s.abortIfNoMoves(ctx, id) })
	}
	stop := s.loopStop
	s.mu.Unlock()

	go s.observeLoop(ctx, sub, stop)
	s.handleObserved(ctx, m)
	return nil
}

func (s *Session) observeLoop(ctx context.Context, sub *store.Subscription, stop chan struct{}) {
	ticker := time.NewTicker(s.resyncDur)
	defer ticker.Stop()
	for {
		select {
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			if snap.Value == nil {
				continue
			}
			m, err := match.Decode(snap.Value)
			if err != nil {
				obslog.L().Error("match_snapshot_decode_error", zap.Error(err))
				continue
			}
			s.skew.Observe(snap.ServerTime, s.localNow())
			s.handleObserved(ctx, m)
		case <-ticker.C:
			s.resync(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// resync is the periodic authoritative re-read: it refreshes the skew
// estimate, catches timeouts nobody else reported, and polls the opponent's
// presence lease (expiry does not publish an event).
func (s *Session) resync(ctx context.Context) {
	s.mu.Lock()
	id := s.matchID
	inGame := s.state == StateInGame
	s.mu.Unlock()
	if !inGame || id == "" {
		return
	}

	m, ts, err := s.matches.Load(ctx, id)
	if err != nil {
		obslog.L().Warn("resync_load_error", zap.String("match_id", id), zap.Error(err))
		return
	}
	s.skew.Observe(ts, s.localNow())
	s.handleObserved(ctx, m)
	if !m.Status.Terminal() {
		s.checkOpponentPresence(ctx, m)
	}
}

// handleObserved reconciles a fresh snapshot, emits it, and reacts: terminal
// views get written back (idempotently), bot turns get scheduled.
func (s *Session) handleObserved(ctx context.Context, m *match.Match) {
	s.mu.Lock()
	rec := s.rec
	sched := s.sched
	s.mu.Unlock()
	if rec == nil {
		return
	}

	view, err := rec.Reconcile(m)
	if err != nil {
		if errors.Is(err, match.ErrStale) {
			return
		}
		if errors.Is(err, rules.ErrCorruptPosition) {
			obslog.L().Error("match_position_corrupt", zap.String("match_id", m.ID), zap.Error(err))
			s.emit(Update{Match: m, View: view})
			return
		}
		obslog.L().Warn("reconcile_error", zap.String("match_id", m.ID), zap.Error(err))
		return
	}
	s.emit(Update{Match: m, View: view})

	if view.Terminal() {
		if m.Status.Terminal() {
			s.settle(ctx, m)
		} else {
			// persist the transition first; the written record comes back
			// through afterWrite and settles then
			s.writeTerminal(ctx, m.ID, view)
		}
		return
	}
	if sched != nil {
		sched.MaybeSchedule(ctx, m)
	}
	if len(m.MovesUCI) > 0 {
		s.stopGraceTimer()
	}
}

func (s *Session) emit(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
	default:
		// consumer lagging; it will catch up on the next snapshot
	}
}

// writeTerminal persists a reconciler-detected ending. Racing observers are
// harmless: the first write wins, later ones are dropped as ErrTerminal.
func (s *Session) writeTerminal(ctx context.Context, id string, view *match.View) {
	updated, ts, err := s.matches.UpdateActive(ctx, id, func(m *match.Match) error {
		m.Status = view.Status
		m.Winner = view.Winner
		m.WhiteMs = view.WhiteMs
		m.BlackMs = view.BlackMs
		m.DrawOffer = ""
		return nil
	})
	if err != nil {
		if !errors.Is(err, match.ErrTerminal) {
			obslog.L().Warn("terminal_write_error", zap.String("match_id", id), zap.Error(err))
		}
		return
	}
	s.skew.Observe(ts, s.localNow())
	obslog.L().Info("match_terminal",
		zap.String("match_id", id),
		zap.String("status", string(updated.Status)),
		zap.String("winner", updated.Winner),
	)
	s.afterWrite(ctx, updated)
}

func (s *Session) forceTimeout(ctx context.Context, id string) (*match.Match, error) {
	updated, ts, err := s.matches.UpdateActive(ctx, id, func(m *match.Match) error {
		m.SetClock(m.Turn, 0)
		m.Status = match.StatusTimeout
		m.Winner = m.IDFor(m.Turn.Other())
		m.DrawOffer = ""
		return nil
	})
	if err != nil {
		if errors.Is(err, match.ErrTerminal) {
			return updated, nil
		}
		return nil, err
	}
	s.skew.Observe(ts, s.localNow())
	obslog.L().Info("match_timeout", zap.String("match_id", id), zap.String("winner", updated.Winner))
	s.afterWrite(ctx, updated)
	return updated, nil
}

// abortIfNoMoves fires from the first-move grace timer: a match nobody has
// moved in gets aborted with no winner.
func (s *Session) abortIfNoMoves(ctx context.Context, id string) {
	updated, ts, err := s.matches.UpdateActive(ctx, id, func(m *match.Match) error {
		if len(m.MovesUCI) > 0 {
			return store.ErrUnchanged
		}
		m.Status = match.StatusAborted
		m.Winner = ""
		m.DrawOffer = ""
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrUnchanged) && !errors.Is(err, match.ErrTerminal) {
			obslog.L().Warn("grace_abort_error", zap.String("match_id", id), zap.Error(err))
		}
		return
	}
	s.skew.Observe(ts, s.localNow())
	obslog.L().Info("match_abort_no_first_move", zap.String("match_id", id))
	s.afterWrite(ctx, updated)
}

// checkOpponentPresence drives the disconnect-abort countdown: start it when
// the opponent's lease is gone, cancel it the moment the lease is back.
func (s *Session) checkOpponentPresence(ctx context.Context, m *match.Match) {
	opp := m.OpponentID(s.userID)
	if opp == "" || opp == m.BotID {
		return
	}
	present, ts, err := s.presence.Present(ctx, opp)
	if err != nil {
		obslog.L().Warn("presence_check_error", zap.String("user_id", opp), zap.Error(err))
		return
	}
	s.skew.Observe(ts, s.localNow())

	s.mu.Lock()
	defer s.mu.Unlock()
	if present {
		if s.disconnectTimer != nil {
			s.disconnectTimer.Stop()
			s.disconnectTimer = nil
			obslog.L().Info("opponent_presence_restored", zap.String("match_id", m.ID), zap.String("user_id", opp))
		}
		return
	}
	if s.disconnectTimer != nil {
		return
	}
	id := m.ID
	obslog.L().Info("opponent_presence_lost", zap.String("match_id", id), zap.String("user_id", opp))
	s.disconnectTimer = time.AfterFunc(s.disconnectDur, func() { s.abortDisconnected(ctx, id, opp) })
}

func (s *Session) abortDisconnected(ctx context.Context, id, opp string) {
	// the countdown may have been cancelled concurrently; re-verify the
	// lease one last time before aborting
	present, _, err := s.presence.Present(ctx, opp)
	if err == nil && present {
		return
	}
	updated, ts, uerr := s.matches.UpdateActive(ctx, id, func(m *match.Match) error {
		m.Status = match.StatusAborted
		m.Winner = ""
		m.DrawOffer = ""
		return nil
	})
	if uerr != nil {
		if !errors.Is(uerr, match.ErrTerminal) {
			obslog.L().Warn("disconnect_abort_error", zap.String("match_id", id), zap.Error(uerr))
		}
		return
	}
	s.skew.Observe(ts, s.localNow())
	obslog.L().Info("match_abort_disconnect", zap.String("match_id", id), zap.String("absent_user", opp))
	s.afterWrite(ctx, updated)
}

// afterWrite feeds a successful write of our own through the same observation
// path as remote snapshots, so terminal reactions and bot scheduling do not
// wait for the pub/sub echo.
func (s *Session) afterWrite(ctx context.Context, m *match.Match) {
	if m == nil {
		return
	}
	s.handleObserved(ctx, m)
}

// settle keeps a finished match visible for the settle delay, then clears
// both players' pointers and returns the session to idle.
func (s *Session) settle(ctx context.Context, m *match.Match) {
	s.mu.Lock()
	if s.settleTimer != nil {
		s.mu.Unlock()
		return
	}
	s.stopGraceTimerLocked()
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
		s.disconnectTimer = nil
	}
	final := *m
	if s.archiver != nil {
		archiver := s.archiver
		go func() {
			if err := archiver.SaveResult(ctx, &final); err != nil {
				obslog.L().Warn("archive_error", zap.String("match_id", final.ID), zap.Error(err))
			}
		}()
	}
	s.settleTimer = time.AfterFunc(s.settleDur, func() {
		if err := s.matches.ClearPointers(ctx, &final); err != nil {
			obslog.L().Warn("settle_clear_error", zap.String("match_id", final.ID), zap.Error(err))
		}
		s.mu.Lock()
		s.detachMatchLocked()
		s.state = StateIdle
		s.mu.Unlock()
		obslog.L().Info("match_settled", zap.String("match_id", final.ID))
	})
	s.mu.Unlock()
}

func (s *Session) stopGraceTimer() {
	s.mu.Lock()
	s.stopGraceTimerLocked()
	s.mu.Unlock()
}

func (s *Session) stopGraceTimerLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

func (s *Session) detachMatchLocked() {
	if s.matchSub != nil {
		s.matchSub.Cancel()
		s.matchSub = nil
	}
	if s.loopStop != nil {
		close(s.loopStop)
		s.loopStop = nil
	}
	s.stopGraceTimerLocked()
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
		s.disconnectTimer = nil
	}
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	s.matchID = ""
	s.rec = nil
	s.sched = nil
}
