package wodbuster

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// AccountInfo is what the athlete page sidebar reveals about the account.
// Credits is nil when the page carries no "Bono" counter (unlimited plans).
type AccountInfo struct {
	Name    string
	Plan    string
	Credits *int
}

// HasCredits reports whether the account can still book. Unknown counts as
// yes, matching the page's own behavior for flat-rate plans.
func (a *AccountInfo) HasCredits() bool {
	return a == nil || a.Credits == nil || *a.Credits > 0
}

var (
	bonoRe   = regexp.MustCompile(`Bono:\s*(\d+)`)
	tarifaRe = regexp.MustCompile(`Tarifa:\s*([^\n]+)`)
)

// AccountInfo scrapes the CtlInfoUser panel from the athlete schedule page.
// The page is sometimes served with a non-200 status but real content, so
// only an empty body is treated as failure.
func (c *Client) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	if !c.loggedIn {
		return nil, ErrSessionExpired
	}
	page, _, err := c.getBody(ctx, c.boxURL+"/athlete/schedule.aspx", nil)
	if err != nil {
		return nil, err
	}
	if len(page) < 100 {
		return nil, &BookingError{Message: "empty account page"}
	}

	info := &AccountInfo{}
	text, found := elementTextByIDPattern(page, "CtlInfoUser")
	if found {
		if m := bonoRe.FindStringSubmatch(text); m != nil {
			n, _ := strconv.Atoi(m[1])
			info.Credits = &n
		}
		if m := tarifaRe.FindStringSubmatch(text); m != nil {
			info.Plan = strings.TrimSpace(m[1])
		}
		// The first non-empty line is the display name, unless the theme
		// puts the email there instead.
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.Contains(line, "@") {
				info.Name = line
			}
			break
		}
	}
	if info.Credits == nil {
		// The panel moves around between themes; fall back to a page-wide scan.
		if m := bonoRe.FindStringSubmatch(page); m != nil {
			n, _ := strconv.Atoi(m[1])
			info.Credits = &n
		}
	}
	return info, nil
}
