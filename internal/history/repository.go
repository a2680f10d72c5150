package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/pawnhub/arena-server/internal/match"
)

// Repository archives finished matches in Postgres. The real-time store owns
// live state; this is the durable record queried for history and PGN export.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts one finished match. Safe to call more than once for the
// same match; the last write wins.
func (r *Repository) SaveResult(ctx context.Context, m *match.Match) error {
	if r == nil || r.db == nil || m == nil {
		return nil
	}
	if !m.Status.Terminal() {
		return fmt.Errorf("match %s is not finished", m.ID)
	}

	pgnResult := resultToken(m)
	pgn := buildPGN(m, pgnResult)

	movesUCIRaw, _ := json.Marshal(m.MovesUCI)
	movesSANRaw, _ := json.Marshal(m.MovesSAN)
	duration := m.LastWriteMs - m.CreatedMs
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO arena_matches (
	    match_id, white_id, white_name, black_id, black_name,
	    bot_id, status, winner, moves_uci, moves_san, pgn,
	    started_ms, ended_ms, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	  ) ON CONFLICT (match_id) DO UPDATE SET
	    white_id=EXCLUDED.white_id,
	    white_name=EXCLUDED.white_name,
	    black_id=EXCLUDED.black_id,
	    black_name=EXCLUDED.black_name,
	    bot_id=EXCLUDED.bot_id,
	    status=EXCLUDED.status,
	    winner=EXCLUDED.winner,
	    moves_uci=EXCLUDED.moves_uci,
	    moves_san=EXCLUDED.moves_san,
	    pgn=EXCLUDED.pgn,
	    started_ms=EXCLUDED.started_ms,
	    ended_ms=EXCLUDED.ended_ms,
	    duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		m.ID,
		m.WhiteID, m.WhiteName,
		m.BlackID, m.BlackName,
		m.BotID, string(m.Status), m.Winner,
		string(movesUCIRaw), string(movesSANRaw), pgn,
		m.CreatedMs, m.LastWriteMs, duration,
	)
	return err
}

func resultToken(m *match.Match) string {
	switch m.Status {
	case match.StatusCheckmate, match.StatusResigned, match.StatusTimeout:
		switch m.Winner {
		case m.WhiteID:
			return "1-0"
		case m.BlackID:
			return "0-1"
		}
		return "*"
	case match.StatusStalemate, match.StatusDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

func buildPGN(m *match.Match, pgnResult string) string {
	var b strings.Builder
	date := time.UnixMilli(m.LastWriteMs)
	if m.LastWriteMs == 0 {
		date = time.Now()
	}
	b.WriteString("[Event \"PawnHub Arena\"]\n")
	b.WriteString("[Site \"pawnhub\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(displayName(m.WhiteName, m.WhiteID))))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(displayName(m.BlackName, m.BlackID))))
	b.WriteString("[TimeControl \"600+2\"]\n")
	b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(strings.ToLower(string(m.Status)))))
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))

	for i := 0; i < len(m.MovesSAN); i += 2 {
		turn := (i / 2) + 1
		b.WriteString(fmt.Sprintf("%d. %s", turn, strings.TrimSpace(m.MovesSAN[i])))
		if i+1 < len(m.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(m.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(pgnResult)
	return b.String()
}

func displayName(name, id string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return id
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
