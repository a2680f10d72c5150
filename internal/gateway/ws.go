package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/pawnhub/arena-server/internal/arena"
	"github.com/pawnhub/arena-server/internal/challenge"
	"github.com/pawnhub/arena-server/internal/match"
	"github.com/pawnhub/arena-server/internal/obslog"
	"github.com/pawnhub/arena-server/internal/store"
)

// Server is the websocket front door. Each connection owns one arena session;
// the connection's liveness drives the user's presence lease.
type Server struct {
	client   store.Client
	source   arena.MoveSource
	archiver arena.Archiver

	maxConns int64
	conns    atomic.Int64

	httpSrv *http.Server
}

func NewServer(client store.Client, source arena.MoveSource, archiver arena.Archiver) *Server {
	return &Server{client: client, source: source, archiver: archiver}
}

// WithMatchCapacity caps admission at two connections per allowed concurrent
// match. Zero or negative leaves the gateway uncapped.
func (s *Server) WithMatchCapacity(matches int) *Server {
	if matches > 0 {
		s.maxConns = int64(matches) * 2
	}
	return s
}

// command is one client request frame.
type command struct {
	Op     string `json:"op"`
	Target string `json:"target,omitempty"`
	BotID  string `json:"bot_id,omitempty"`
	Move   string `json:"move,omitempty"`
	From   string `json:"from,omitempty"`
}

// frame is one server response or push.
type frame struct {
	Type      string               `json:"type"`
	State     arena.State          `json:"state,omitempty"`
	Match     *match.Match         `json:"match,omitempty"`
	View      *match.View          `json:"view,omitempty"`
	Challenge *challenge.Challenge `json:"challenge,omitempty"`
	Targets   []string             `json:"targets,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Handler builds the gateway's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) Serve(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	obslog.L().Info("gateway_listen", zap.String("addr", addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	userName := strings.TrimSpace(r.URL.Query().Get("name"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if s.maxConns > 0 {
		if s.conns.Add(1) > s.maxConns {
			s.conns.Add(-1)
			obslog.L().Warn("ws_at_capacity", zap.String("user_id", userID), zap.Int64("max_conns", s.maxConns))
			http.Error(w, "arena at capacity", http.StatusServiceUnavailable)
			return
		}
		defer s.conns.Add(-1)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "teardown")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := arena.NewSession(userID, userName, s.client, s.source)
	if s.archiver != nil {
		sess.WithArchiver(s.archiver)
	}
	presence := arena.NewPresence(s.client)

	if _, err := presence.Set(ctx, userID); err != nil {
		obslog.L().Warn("presence_set_error", zap.String("user_id", userID), zap.Error(err))
	}
	defer func() {
		clearCtx, clearCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer clearCancel()
		if err := presence.Clear(clearCtx, userID); err != nil {
			obslog.L().Warn("presence_clear_error", zap.String("user_id", userID), zap.Error(err))
		}
		sess.Close()
	}()

	obslog.L().Info("ws_connect", zap.String("user_id", userID))

	if err := sess.Resume(ctx); err != nil {
		obslog.L().Warn("session_resume_error", zap.String("user_id", userID), zap.Error(err))
	}
	s.writeFrame(ctx, conn, frame{Type: "state", State: sess.State()})

	// presence heartbeat: refresh the lease well inside its TTL
	go func() {
		t := time.NewTicker(arena.PresenceTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := presence.Set(ctx, userID); err != nil {
					obslog.L().Warn("presence_refresh_error", zap.String("user_id", userID), zap.Error(err))
				}
			}
		}
	}()

	// push reconciled updates as they arrive
	go func() {
		for u := range sess.Updates() {
			s.writeFrame(ctx, conn, frame{Type: "match", State: sess.State(), Match: u.Match, View: u.View})
		}
	}()

	for {
		var cmd command
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				obslog.L().Info("ws_disconnect", zap.String("user_id", userID))
			} else {
				obslog.L().Info("ws_read_error", zap.String("user_id", userID), zap.Error(err))
			}
			return
		}
		s.dispatch(ctx, conn, sess, cmd)
	}
}

func (s *Server) dispatch(ctx context.Context, conn *websocket.Conn, sess *arena.Session, cmd command) {
	var (
		m   *match.Match
		err error
	)
	switch cmd.Op {
	case "challenge":
		err = sess.SendChallenge(ctx, cmd.Target)
	case "incoming":
		var ch *challenge.Challenge
		ch, err = sess.Incoming(ctx)
		if err == nil {
			s.writeFrame(ctx, conn, frame{Type: "challenge", State: sess.State(), Challenge: ch})
			return
		}
	case "accept":
		m, err = sess.Accept(ctx)
	case "decline":
		err = sess.Decline(ctx)
	case "bot":
		m, err = sess.StartBotMatch(ctx, cmd.BotID)
	case "move":
		m, err = sess.Move(ctx, cmd.Move)
	case "resign":
		m, err = sess.Resign(ctx)
	case "draw_offer":
		m, err = sess.OfferDraw(ctx)
	case "draw_accept":
		m, err = sess.RespondDraw(ctx, true)
	case "draw_decline":
		m, err = sess.RespondDraw(ctx, false)
	case "targets":
		var targets []string
		targets, err = sess.LegalTargets(ctx, cmd.From)
		if err == nil {
			s.writeFrame(ctx, conn, frame{Type: "targets", State: sess.State(), Targets: targets})
			return
		}
	case "state":
		// fallthrough to the state frame below
	default:
		err = errors.New("unknown op: " + cmd.Op)
	}

	if err != nil {
		s.writeFrame(ctx, conn, frame{Type: "error", State: sess.State(), Error: err.Error()})
		return
	}
	s.writeFrame(ctx, conn, frame{Type: "state", State: sess.State(), Match: m})
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, f frame) {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, conn, f); err != nil && ctx.Err() == nil {
		obslog.L().Debug("ws_write_error", zap.Error(err))
	}
}
