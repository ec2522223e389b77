package scoring

import (
	"math"
	"time"

	"github.com/roach88/questlog/internal/ledger"
)

// MaxMissedDays caps the number of missed days that feed decay.
const MaxMissedDays = 30

// ValidationError is the ledger's malformed-entry error, re-exported for
// callers that only import scoring.
type ValidationError = ledger.ValidationError

// State is the derived gamification state. It is a cache: every field is a
// function of (history, config, now).
type State struct {
	XP           int                         `json:"xp"`
	Coins        int                         `json:"coins"`
	XP30d        int                         `json:"xp30d"`
	Vitality     float64                     `json:"vitality"`
	Mood         Mood                        `json:"mood"`
	Attributes   Attributes                  `json:"attributes"`
	Aspect       Attribute                   `json:"aspect"`
	RankIndex    int                         `json:"rankIndex"`
	RankTier     string                      `json:"rankTier"`
	RankDivision int                         `json:"rankDivision"`
	Streak       int                         `json:"streak"`
	MissedDays   int                         `json:"missedDays"`
	Categories   map[string]CategoryProgress `json:"categories"`
	Skipped      int                         `json:"skipped"`
	ComputedAt   time.Time                   `json:"computedAt"`
}

// Rank returns the rank fields as a Rank.
func (s State) Rank() Rank {
	return Rank{Index: s.RankIndex, Tier: s.RankTier, Division: s.RankDivision}
}

// CategoryProgress is a category's 30-day xp against its target.
type CategoryProgress struct {
	XP30d     int     `json:"xp30d"`
	Target30d int     `json:"target30d"`
	Progress  float64 `json:"progress"`
}

// Vitality is the breakdown of one vitality computation.
type Vitality struct {
	Base        float64 `json:"base"`
	Goal        float64 `json:"goal"`
	Activity    float64 `json:"activity"`
	Completion  float64 `json:"completion"`
	Consistency float64 `json:"consistency"`
	Decay       float64 `json:"decay"`
	Value       float64 `json:"value"`
}

// Report carries the non-fatal findings of a Compute call.
type Report struct {
	// Skipped counts ledger entries that failed validation.
	Skipped int
	// Errors holds one *ValidationError per skipped entry.
	Errors []error
	// Warnings holds one *ConfigError per config value replaced by a default.
	Warnings []error
	// Vitality is the breakdown behind State.Vitality.
	Vitality Vitality
}

// dayCounts tallies one calendar day's valid entries.
type dayCounts struct {
	actions, goals, habits, tasks int
}

// Compute folds history into State. It never fails: malformed entries are
// skipped and counted, invalid config is replaced by defaults.
//
// now fixes every window, so the same inputs always give the same State.
func Compute(history []ledger.HistoryItem, cfg Config, now time.Time) (State, Report) {
	cfg, warnings := Normalize(cfg)
	report := Report{Warnings: warnings}

	valid := make([]ledger.HistoryItem, 0, len(history))
	for i, h := range history {
		if err := h.Validate(); err != nil {
			if ve, ok := err.(*ValidationError); ok {
				ve.Index = i
			}
			report.Errors = append(report.Errors, err)
			report.Skipped++
			continue
		}
		valid = append(valid, h)
	}

	todayStart := ledger.DayStart(now)
	tomorrow := todayStart.AddDate(0, 0, 1)
	start30 := ledger.WindowStart(now, 30)
	start7 := ledger.WindowStart(now, 7)

	state := State{
		Categories: make(map[string]CategoryProgress),
		Skipped:    report.Skipped,
		ComputedAt: now,
	}
	var today dayCounts
	var attrs30 Attributes
	active7 := make(map[string]struct{})
	activeDays := make(map[string]struct{})
	cat30 := make(map[string]int)

	for _, h := range valid {
		state.XP += h.XPDelta
		state.Coins += h.CoinsDelta

		cats := cfg.categoryFor(h)
		inWindow30 := !h.Timestamp.Before(start30) && h.Timestamp.Before(tomorrow)
		for _, name := range cats {
			weighted := float64(h.XPDelta) * cfg.weightOf(name)
			if attr, ok := cfg.attributeOf(name); ok {
				state.Attributes.add(attr, weighted)
				if inWindow30 {
					attrs30.add(attr, weighted)
				}
			}
			if inWindow30 {
				cat30[name] += h.XPDelta
			}
		}

		if !h.Timestamp.Before(tomorrow) {
			// Future entries count toward lifetime totals only.
			continue
		}
		activeDays[ledger.DayKey(h.Timestamp)] = struct{}{}
		if inWindow30 {
			state.XP30d += h.XPDelta
		}
		if !h.Timestamp.Before(start7) {
			active7[ledger.DayKey(h.Timestamp)] = struct{}{}
		}
		if !h.Timestamp.Before(todayStart) {
			today.actions++
			switch h.ActionType {
			case ledger.ActionGoal:
				today.goals++
			case ledger.ActionHabit:
				today.habits++
			case ledger.ActionTask:
				today.tasks++
			}
		}
	}

	rank := RankFor(state.XP)
	state.RankIndex, state.RankTier, state.RankDivision = rank.Index, rank.Tier, rank.Division

	state.MissedDays = missedDays(valid, now)
	state.Streak = streakEndingAt(activeDays, now)

	report.Vitality = vitality(cfg, state.XP30d, today, len(active7), state.MissedDays)
	state.Vitality = report.Vitality.Value
	state.Mood = MoodFor(state.Vitality)
	state.Aspect = attrs30.Dominant()

	for _, name := range sortedCategoryNames(cfg.Categories) {
		target := cfg.Categories[name].Target30d
		state.Categories[name] = progress(cat30[name], target)
	}
	if xp, ok := cat30[Uncategorized]; ok {
		state.Categories[Uncategorized] = progress(xp, 0)
	}
	return state, report
}

func progress(xp, target int) CategoryProgress {
	p := CategoryProgress{XP30d: xp, Target30d: target}
	if target > 0 {
		p.Progress = float64(xp) / float64(target)
	}
	return p
}

// vitality applies the composite formula and clamps the result to [0, 100].
func vitality(cfg Config, xp30d int, today dayCounts, activeDaysLast7, missed int) Vitality {
	v := Vitality{
		Base:        math.Min(100, float64(xp30d)/float64(cfg.Points.VitalityMonthlyTarget)*100),
		Goal:        float64(today.goals * 15),
		Completion:  float64(today.habits*3 + today.tasks*4),
		Consistency: float64(activeDaysLast7) / 7 * 25,
		Decay:       cfg.Points.VitalityDecayPerMissedDay * float64(missed),
	}
	if today.actions > 0 {
		v.Activity = math.Min(20, float64(5+today.actions*2))
	}
	raw := v.Base + v.Goal + v.Activity + v.Completion + v.Consistency - v.Decay
	v.Value = math.Max(0, math.Min(100, raw))
	return v
}

// missedDays counts the whole days with no entry strictly between the most
// recent active day (on or before today) and today, capped at MaxMissedDays.
// An empty ledger has no missed days.
func missedDays(valid []ledger.HistoryItem, now time.Time) int {
	tomorrow := ledger.DayStart(now).AddDate(0, 0, 1)
	var last time.Time
	for _, h := range valid {
		if h.Timestamp.Before(tomorrow) && h.Timestamp.After(last) {
			last = h.Timestamp
		}
	}
	if last.IsZero() {
		return 0
	}
	missed := ledger.DaysBetween(last, now) - 1
	if missed < 0 {
		return 0
	}
	return min(missed, MaxMissedDays)
}

// streakEndingAt counts consecutive active days ending today, or ending
// yesterday when today has no activity yet.
func streakEndingAt(active map[string]struct{}, now time.Time) int {
	day := ledger.DayStart(now)
	if _, ok := active[ledger.DayKey(day)]; !ok {
		day = day.AddDate(0, 0, -1)
	}
	streak := 0
	for {
		if _, ok := active[ledger.DayKey(day)]; !ok {
			return streak
		}
		streak++
		day = day.AddDate(0, 0, -1)
	}
}

// WireState is State with every fractional value rounded to an integer,
// the only form that crosses the process boundary.
type WireState struct {
	XP           int                     `json:"xp"`
	Coins        int                     `json:"coins"`
	XP30d        int                     `json:"xp30d"`
	Vitality     int                     `json:"vitality"`
	Mood         Mood                    `json:"mood"`
	Attributes   WireAttributes          `json:"attributes"`
	Aspect       Attribute               `json:"aspect"`
	RankIndex    int                     `json:"rankIndex"`
	RankTier     string                  `json:"rankTier"`
	RankDivision int                     `json:"rankDivision"`
	Streak       int                     `json:"streak"`
	MissedDays   int                     `json:"missedDays"`
	Categories   map[string]WireCategory `json:"categories"`
	Skipped      int                     `json:"skipped"`
	ComputedAt   time.Time               `json:"computedAt"`
}

// WireAttributes is Attributes rounded to integers.
type WireAttributes struct {
	STR int `json:"str"`
	INT int `json:"int"`
	CRE int `json:"cre"`
	SOC int `json:"soc"`
}

// WireCategory is CategoryProgress with progress as an integer percentage.
type WireCategory struct {
	XP30d     int `json:"xp30d"`
	Target30d int `json:"target30d"`
	Percent   int `json:"percent"`
}

// Wire rounds s for transport and persistence.
func (s State) Wire() WireState {
	w := WireState{
		XP:       s.XP,
		Coins:    s.Coins,
		XP30d:    s.XP30d,
		Vitality: round(s.Vitality),
		Mood:     s.Mood,
		Attributes: WireAttributes{
			STR: round(s.Attributes.STR),
			INT: round(s.Attributes.INT),
			CRE: round(s.Attributes.CRE),
			SOC: round(s.Attributes.SOC),
		},
		Aspect:       s.Aspect,
		RankIndex:    s.RankIndex,
		RankTier:     s.RankTier,
		RankDivision: s.RankDivision,
		Streak:       s.Streak,
		MissedDays:   s.MissedDays,
		Categories:   make(map[string]WireCategory, len(s.Categories)),
		Skipped:      s.Skipped,
		ComputedAt:   s.ComputedAt.UTC(),
	}
	for name, c := range s.Categories {
		w.Categories[name] = WireCategory{
			XP30d:     c.XP30d,
			Target30d: c.Target30d,
			Percent:   round(c.Progress * 100),
		}
	}
	return w
}

func round(f float64) int {
	return int(math.Round(f))
}
