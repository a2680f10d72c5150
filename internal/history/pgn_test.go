package history

import (
	"strings"
	"testing"

	"github.com/pawnhub/arena-server/internal/match"
)

func finishedMatch() *match.Match {
	return &match.Match{
		ID:          "m-9",
		WhiteID:     "u-white",
		WhiteName:   "Ann",
		BlackID:     "u-black",
		BlackName:   "Ben",
		MovesUCI:    []string{"f2f3", "e7e5", "g2g4", "d8h4"},
		MovesSAN:    []string{"f3", "e5", "g4", "Qh4#"},
		Status:      match.StatusCheckmate,
		Winner:      "u-black",
		CreatedMs:   1_000_000,
		LastWriteMs: 1_090_000,
	}
}

func TestResultToken(t *testing.T) {
	m := finishedMatch()
	if got := resultToken(m); got != "0-1" {
		t.Fatalf("resultToken = %q, want 0-1", got)
	}
	m.Winner = "u-white"
	if got := resultToken(m); got != "1-0" {
		t.Fatalf("resultToken = %q, want 1-0", got)
	}
	m.Status = match.StatusStalemate
	if got := resultToken(m); got != "1/2-1/2" {
		t.Fatalf("resultToken = %q, want 1/2-1/2", got)
	}
	m.Status = match.StatusAborted
	if got := resultToken(m); got != "*" {
		t.Fatalf("resultToken = %q, want *", got)
	}
}

func TestBuildPGN(t *testing.T) {
	m := finishedMatch()
	pgn := buildPGN(m, "0-1")

	for _, want := range []string{
		`[White "Ann"]`,
		`[Black "Ben"]`,
		`[Result "0-1"]`,
		`[Termination "checkmate"]`,
		"1. f3 e5 2. g4 Qh4# 0-1",
	} {
		if !strings.Contains(pgn, want) {
			t.Fatalf("PGN missing %q:\n%s", want, pgn)
		}
	}
}

func TestBuildPGNFallsBackToIDs(t *testing.T) {
	m := finishedMatch()
	m.WhiteName, m.BlackName = "", ""
	pgn := buildPGN(m, "0-1")
	if !strings.Contains(pgn, `[White "u-white"]`) || !strings.Contains(pgn, `[Black "u-black"]`) {
		t.Fatalf("PGN did not fall back to IDs:\n%s", pgn)
	}
}

func TestSanitizePGNEscapesQuotes(t *testing.T) {
	if got := sanitizePGN(`a "b" \c`); got != "a 'b'  c" {
		t.Fatalf("sanitizePGN = %q", got)
	}
}
