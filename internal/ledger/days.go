package ledger

import "time"

// Zone is the fixed reference offset used for every day boundary.
var Zone = time.FixedZone("UTC-3", -3*60*60)

// DayStart returns midnight of t's calendar day in Zone.
func DayStart(t time.Time) time.Time {
	y, m, d := t.In(Zone).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, Zone)
}

// DayKey formats t's calendar day in Zone as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.In(Zone).Format(time.DateOnly)
}

// WindowStart returns the start of an n-day window ending today.
// n=1 is today only; n=7 is today plus the six preceding days.
func WindowStart(now time.Time, days int) time.Time {
	if days < 1 {
		days = 1
	}
	return DayStart(now).AddDate(0, 0, -(days - 1))
}

// DaysBetween counts whole calendar days from a to b in Zone.
// It is negative when b is before a.
func DaysBetween(a, b time.Time) int {
	da := DayStart(a)
	db := DayStart(b)
	// Zone has no DST, so every day is exactly 24h.
	return int(db.Sub(da).Hours() / 24)
}
