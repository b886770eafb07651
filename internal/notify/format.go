package notify

import (
	"fmt"
	"strings"

	"github.com/Keralin/WodSniper/internal/orchestrator"
	"github.com/Keralin/WodSniper/internal/storage"
)

// FormatResults renders a booking-run summary for one user as a Telegram
// message. One line per booking, newest schedule first as delivered.
func FormatResults(results []orchestrator.AttemptResult) string {
	var b strings.Builder
	b.WriteString("Booking run finished:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "%s %s %s", statusGlyph(r.Status), r.Day, r.Time)
		if r.Class != "" {
			fmt.Fprintf(&b, " %s", r.Class)
		}
		fmt.Fprintf(&b, ": %s", r.Message)
		if !r.TargetDate.IsZero() {
			fmt.Fprintf(&b, " [%s]", r.TargetDate.Format("02/01/2006"))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusGlyph(status string) string {
	switch status {
	case storage.StatusSuccess:
		return "✅"
	case storage.StatusWaiting:
		return "⏳"
	case storage.StatusFailed:
		return "❌"
	default:
		return "ℹ️"
	}
}
