package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/roach88/questlog/internal/ledger"
)

// Action describes a completion to be awarded.
type Action struct {
	Type     ledger.ActionType
	Tags     []string
	Category string
}

// Award builds the ledger entry for act completed at now.
//
// xpDelta is the configured points for the action type. When act is the first
// action of its day and extends the active-day streak to exactly 7 or 30 days,
// the matching streak bonus is added. coinsDelta is round(xpDelta*coinsPerXp).
//
// The returned entry has no ID; the ledger assigns one on Append.
func Award(act Action, cfg Config, history []ledger.HistoryItem, now time.Time) (ledger.HistoryItem, error) {
	if !act.Type.IsValid() {
		return ledger.HistoryItem{}, fmt.Errorf("award: invalid action type %q", act.Type)
	}
	cfg, _ = Normalize(cfg)

	xp := cfg.Points.For(act.Type)
	xp += StreakBonus(cfg, history, now)

	return ledger.HistoryItem{
		Timestamp:  now,
		ActionType: act.Type,
		XPDelta:    xp,
		CoinsDelta: int(math.Round(float64(xp) * cfg.Points.CoinsPerXP)),
		Tags:       append([]string(nil), act.Tags...),
		Category:   act.Category,
	}, nil
}

// StreakBonus returns the bonus owed to an action completed at now, given the
// prior history. Only the first action of a day can earn a bonus.
func StreakBonus(cfg Config, history []ledger.HistoryItem, now time.Time) int {
	todayStart := ledger.DayStart(now)
	tomorrow := todayStart.AddDate(0, 0, 1)
	active := make(map[string]struct{})
	for _, h := range history {
		if h.Validate() != nil || !h.Timestamp.Before(tomorrow) {
			continue
		}
		if !h.Timestamp.Before(todayStart) {
			// Today already counted.
			return 0
		}
		active[ledger.DayKey(h.Timestamp)] = struct{}{}
	}
	active[ledger.DayKey(now)] = struct{}{}

	switch streakEndingAt(active, now) {
	case 7:
		return cfg.Streaks.Bonus7
	case 30:
		return cfg.Streaks.Bonus30
	default:
		return 0
	}
}
