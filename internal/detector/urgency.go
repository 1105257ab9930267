package detector

import "time"

// Urgency ranks how soon a market resolves.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// UrgencyThresholds are inclusive day limits.
type UrgencyThresholds struct {
	Critical int
	High     int
	Medium   int
}

var DefaultUrgencyThresholds = UrgencyThresholds{Critical: 7, High: 30, Medium: 90}

// Classify maps days-to-close onto an urgency. Unknown close dates are low.
func (u UrgencyThresholds) Classify(daysToClose *int) Urgency {
	if daysToClose == nil {
		return UrgencyLow
	}
	d := *daysToClose
	switch {
	case d <= u.Critical:
		return UrgencyCritical
	case d <= u.High:
		return UrgencyHigh
	case d <= u.Medium:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// DaysToClose returns whole days until closeAt, floored, with markets past
// their close reported as 0. A zero closeAt means the date is unknown.
func DaysToClose(closeAt, now time.Time) *int {
	if closeAt.IsZero() {
		return nil
	}
	d := 0
	if closeAt.After(now) {
		d = int(closeAt.Sub(now) / (24 * time.Hour))
	}
	return &d
}

// ApplyMarket fills the close-date fields of a pattern.
func (p *WhalePattern) ApplyMarket(title string, closeAt, now time.Time, u UrgencyThresholds) {
	p.Title = title
	p.DaysToClose = DaysToClose(closeAt, now)
	if !closeAt.IsZero() {
		c := closeAt
		p.CloseDate = &c
	}
	p.Urgency = u.Classify(p.DaysToClose)
}
