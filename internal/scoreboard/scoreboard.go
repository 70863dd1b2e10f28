package scoreboard

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"

	"tallybot/internal/domain"
)

// Empty is rendered when nobody has a score yet.
const Empty = "No scores available yet."

// Render draws the scoreboard as a fixed-width table, two users per cell
// row: one line of nicknames, one line of scores. Users arrive already
// ordered by registration time, newest first.
func Render(users []domain.User) string {
	if len(users) == 0 {
		return Empty
	}
	tw := table.NewWriter()
	tw.SetTitle("SCOREBOARD")
	for i := 0; i < len(users); i += 2 {
		left := users[i]
		var rightNick, rightScore string
		if i+1 < len(users) {
			rightNick = users[i+1].Nickname
			rightScore = FormatPoints(users[i+1].Score)
		}
		tw.AppendRow(table.Row{left.Nickname, rightNick})
		tw.AppendRow(table.Row{FormatPoints(left.Score), rightScore})
		tw.AppendSeparator()
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 17},
		{Number: 2, WidthMin: 17},
	})
	tw.SetStyle(table.StyleLight)
	return tw.Render()
}

// FormatPoints renders a point value without a trailing decimal when whole.
func FormatPoints(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
