package scoreboard_test

import (
	"strings"
	"testing"

	"tallybot/internal/domain"
	"tallybot/internal/scoreboard"
)

func TestRenderEmpty(t *testing.T) {
	if got := scoreboard.Render(nil); got != scoreboard.Empty {
		t.Fatalf("got %q", got)
	}
}

func TestRenderPairsUsersPerRow(t *testing.T) {
	users := []domain.User{
		{Nickname: "Alice", Score: 10},
		{Nickname: "Bob", Score: 2.5},
		{Nickname: "Carol", Score: 0},
	}
	out := scoreboard.Render(users)
	if !strings.Contains(out, "SCOREBOARD") {
		t.Fatalf("missing title:\n%s", out)
	}
	lines := strings.Split(out, "\n")
	var aliceLine string
	for _, line := range lines {
		if strings.Contains(line, "Alice") {
			aliceLine = line
		}
	}
	if !strings.Contains(aliceLine, "Bob") {
		t.Fatalf("Alice and Bob should share a row:\n%s", out)
	}
	for _, line := range lines {
		if strings.Contains(line, "Carol") && strings.Contains(line, "Alice") {
			t.Fatalf("Carol should start a new row:\n%s", out)
		}
	}
	if !strings.Contains(out, "2.5") {
		t.Fatalf("fractional score not rendered:\n%s", out)
	}
}

func TestFormatPoints(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{10, "10"},
		{2.5, "2.5"},
		{0, "0"},
		{-3.25, "-3.25"},
	}
	for _, c := range cases {
		if got := scoreboard.FormatPoints(c.in); got != c.want {
			t.Fatalf("FormatPoints(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
