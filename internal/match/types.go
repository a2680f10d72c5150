package match

import (
	"github.com/pawnhub/arena-server/internal/rules"
)

// Status represents a match lifecycle state. Once a match leaves ACTIVE it is
// terminal: clocks stop and no further moves are accepted.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCheckmate Status = "CHECKMATE"
	StatusStalemate Status = "STALEMATE"
	StatusDraw      Status = "DRAW"
	StatusResigned  Status = "RESIGNED"
	StatusTimeout   Status = "TIMEOUT"
	StatusAborted   Status = "ABORTED"
)

func (s Status) Terminal() bool { return s != StatusActive }

// Match is the authoritative state of one game, stored as JSON in the
// real-time store. LastWriteMs is assigned by the store server on every
// mutation and is the sole basis for elapsed-time computation.
type Match struct {
	ID        string `json:"id"`
	WhiteID   string `json:"white_id"`
	WhiteName string `json:"white_name,omitempty"`
	BlackID   string `json:"black_id"`
	BlackName string `json:"black_name,omitempty"`

	// BotID is set when one slot is a bot; BotColor names its side.
	BotID    string      `json:"bot_id,omitempty"`
	BotColor rules.Color `json:"bot_color,omitempty"`

	FEN      string   `json:"fen"`
	MovesUCI []string `json:"moves_uci"`
	MovesSAN []string `json:"moves_san"`

	// Turn mirrors the position's side-to-move. It is rewritten from the
	// reconstructed position on every move and must never diverge from it.
	Turn rules.Color `json:"turn"`

	WhiteMs int64 `json:"white_ms"`
	BlackMs int64 `json:"black_ms"`

	Status Status `json:"status"`
	Winner string `json:"winner,omitempty"`

	// DrawOffer holds the offering user's ID while an offer is pending.
	// Cleared on accept, decline, or any move.
	DrawOffer string `json:"draw_offer,omitempty"`

	CreatedMs   int64 `json:"created_ms"`
	LastWriteMs int64 `json:"last_write_ms"`
}

// PlayerColor returns the side a user occupies, or "" for a spectator.
func (m *Match) PlayerColor(userID string) rules.Color {
	switch userID {
	case "":
		return ""
	case m.WhiteID:
		return rules.White
	case m.BlackID:
		return rules.Black
	default:
		return ""
	}
}

// OpponentID returns the other participant's ID, or "" when the user is not
// in the match.
func (m *Match) OpponentID(userID string) string {
	if m.WhiteID == userID {
		return m.BlackID
	}
	if m.BlackID == userID {
		return m.WhiteID
	}
	return ""
}

func (m *Match) ClockFor(c rules.Color) int64 {
	if c == rules.White {
		return m.WhiteMs
	}
	return m.BlackMs
}

func (m *Match) SetClock(c rules.Color, ms int64) {
	if c == rules.White {
		m.WhiteMs = ms
	} else {
		m.BlackMs = ms
	}
}

// IDFor maps a color to the occupying participant ID.
func (m *Match) IDFor(c rules.Color) string {
	if c == rules.White {
		return m.WhiteID
	}
	return m.BlackID
}

// HasBot reports whether one slot is occupied by a bot.
func (m *Match) HasBot() bool { return m.BotID != "" }

// BotToMove reports whether the side to move is the bot.
func (m *Match) BotToMove() bool { return m.HasBot() && m.Turn == m.BotColor }
