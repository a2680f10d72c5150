package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

var (
	ErrCorruptPosition = errors.New("corrupt position")
	ErrIllegalMove     = errors.New("illegal move")
)

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

// Termination classifies a rules-decided game end.
type Termination string

const (
	TermNone      Termination = ""
	TermCheckmate Termination = "checkmate"
	TermStalemate Termination = "stalemate"
	TermDraw      Termination = "draw"
)

// Position is a reconstructed game used to validate moves and detect
// rules-decided endings. It is always rebuilt from the stored UCI move list;
// replaying a stored FEN on top of the moves would double-apply them.
type Position struct {
	game *nchess.Game
}

// Reconstruct replays the stored move list from the start position. A move
// that fails to apply means the stored record is corrupt; callers must stop
// advancing clocks rather than guess.
func Reconstruct(movesUCI []string) (*Position, error) {
	game := nchess.NewGame()
	for i, mv := range movesUCI {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("%w: move %d %q: %v", ErrCorruptPosition, i+1, mv, err)
		}
	}
	return &Position{game: game}, nil
}

func (p *Position) FEN() string { return p.game.FEN() }

func (p *Position) MoveCount() int { return len(p.game.Moves()) }

// SideToMove is derived from the position, never stored independently.
func (p *Position) SideToMove() Color {
	if p.game.Position().Turn() == nchess.White {
		return White
	}
	return Black
}

// Termination reports a rules-decided ending and, for checkmate, the winner.
func (p *Position) Termination() (Termination, Color) {
	switch p.game.Outcome() {
	case nchess.WhiteWon:
		return TermCheckmate, White
	case nchess.BlackWon:
		return TermCheckmate, Black
	case nchess.Draw:
		if p.game.Method() == nchess.Stalemate {
			return TermStalemate, ""
		}
		return TermDraw, ""
	default:
		return TermNone, ""
	}
}

// ApplyUCI validates and applies a move in coordinate notation, returning its
// SAN encoding. The position advances only when the move is legal.
func (p *Position) ApplyUCI(uci string) (string, error) {
	uci = strings.ToLower(strings.TrimSpace(uci))
	if uci == "" {
		return "", ErrIllegalMove
	}
	pos := p.game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrIllegalMove, uci)
	}
	if err := p.game.Move(mv, nil); err != nil {
		return "", fmt.Errorf("%w: %q", ErrIllegalMove, uci)
	}
	return nchess.AlgebraicNotation{}.Encode(pos, mv), nil
}

// ApplySAN accepts human algebraic input, falling back from UCI, and returns
// the applied move in both notations.
func (p *Position) ApplySAN(text string) (san, uci string, err error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return "", "", ErrIllegalMove
	}
	pos := p.game.Position()
	if mv, derr := (nchess.UCINotation{}).Decode(pos, strings.ToLower(raw)); derr == nil {
		if err := p.game.Move(mv, nil); err != nil {
			return "", "", fmt.Errorf("%w: %q", ErrIllegalMove, raw)
		}
		return nchess.AlgebraicNotation{}.Encode(pos, mv), strings.ToLower(raw), nil
	}
	if err := p.game.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrIllegalMove, raw)
	}
	moves := p.game.Moves()
	last := moves[len(moves)-1]
	return nchess.AlgebraicNotation{}.Encode(pos, last), last.String(), nil
}

// LegalTargets lists destination squares reachable from the given origin, for
// client-side highlighting.
func (p *Position) LegalTargets(from string) []string {
	from = strings.ToLower(strings.TrimSpace(from))
	var out []string
	seen := map[string]bool{}
	for _, mv := range p.game.ValidMoves() {
		if mv.S1().String() != from {
			continue
		}
		to := mv.S2().String()
		if !seen[to] {
			seen[to] = true
			out = append(out, to)
		}
	}
	return out
}

// JoinUCI builds a coordinate-notation move from its parts. Promotion piece is
// optional and lowercased ("q", "n", ...).
func JoinUCI(from, to, promotion string) string {
	return strings.ToLower(strings.TrimSpace(from) + strings.TrimSpace(to) + strings.TrimSpace(promotion))
}
