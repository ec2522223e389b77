package scoring

import (
	"fmt"
	"strings"

	"github.com/roach88/questlog/internal/ledger"
)

// Uncategorized is the bucket for entries that match no configured category.
const Uncategorized = "Sem Categoria"

// Config is the replaceable scoring configuration.
type Config struct {
	Points     Points              `json:"points" yaml:"points"`
	Categories map[string]Category `json:"categories" yaml:"categories"`
	Streaks    Streaks             `json:"streaks" yaml:"streaks"`
}

// Points sets per-action xp and the vitality knobs.
type Points struct {
	Habit                     int     `json:"habit" yaml:"habit"`
	Task                      int     `json:"task" yaml:"task"`
	Milestone                 int     `json:"milestone" yaml:"milestone"`
	Goal                      int     `json:"goal" yaml:"goal"`
	CoinsPerXP                float64 `json:"coinsPerXp" yaml:"coinsPerXp"`
	VitalityMonthlyTarget     int     `json:"vitalityMonthlyTarget" yaml:"vitalityMonthlyTarget"`
	VitalityDecayPerMissedDay float64 `json:"vitalityDecayPerMissedDay" yaml:"vitalityDecayPerMissedDay"`
}

// For returns the xp awarded for one action of type a.
func (p Points) For(a ledger.ActionType) int {
	switch a {
	case ledger.ActionHabit:
		return p.Habit
	case ledger.ActionTask:
		return p.Task
	case ledger.ActionMilestone:
		return p.Milestone
	case ledger.ActionGoal:
		return p.Goal
	default:
		return 0
	}
}

// Category groups ledger entries by tag and weights their xp toward an attribute.
// When Attribute is empty the category name itself is read as the attribute key.
type Category struct {
	Tags      []string `json:"tags" yaml:"tags"`
	Target30d int      `json:"target30d" yaml:"target30d"`
	Weight    float64  `json:"weight" yaml:"weight"`
	Attribute string   `json:"attribute,omitempty" yaml:"attribute,omitempty"`
}

// Streaks holds the one-off bonuses for reaching 7 and 30 consecutive active days.
type Streaks struct {
	Bonus7  int `json:"bonus7" yaml:"bonus7"`
	Bonus30 int `json:"bonus30" yaml:"bonus30"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Points: Points{
			Habit:                     10,
			Task:                      15,
			Milestone:                 50,
			Goal:                      100,
			CoinsPerXP:                0.5,
			VitalityMonthlyTarget:     1000,
			VitalityDecayPerMissedDay: 5,
		},
		Categories: map[string]Category{
			"str": {Tags: []string{"fitness", "health", "sport", "exercise"}, Target30d: 300, Weight: 1},
			"int": {Tags: []string{"study", "reading", "work", "learning"}, Target30d: 300, Weight: 1},
			"cre": {Tags: []string{"art", "music", "writing", "design"}, Target30d: 200, Weight: 1},
			"soc": {Tags: []string{"friends", "family", "community", "social"}, Target30d: 200, Weight: 1},
		},
		Streaks: Streaks{Bonus7: 25, Bonus30: 100},
	}
}

// ConfigError reports a config field that was missing or invalid and has
// been replaced by its default.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

// Normalize returns a copy of cfg with invalid values replaced by defaults.
// Every replacement is reported as a *ConfigError; none of them is fatal.
func Normalize(cfg Config) (Config, []error) {
	def := DefaultConfig()
	var warnings []error
	warn := func(field, msg string) {
		warnings = append(warnings, &ConfigError{Field: field, Message: msg})
	}

	out := cfg
	fixPoints := func(field string, v *int, d int) {
		if *v < 0 {
			warn(field, fmt.Sprintf("negative value %d, using %d", *v, d))
			*v = d
		}
	}
	fixPoints("points.habit", &out.Points.Habit, def.Points.Habit)
	fixPoints("points.task", &out.Points.Task, def.Points.Task)
	fixPoints("points.milestone", &out.Points.Milestone, def.Points.Milestone)
	fixPoints("points.goal", &out.Points.Goal, def.Points.Goal)

	if out.Points.CoinsPerXP < 0 {
		warn("points.coinsPerXp", fmt.Sprintf("negative value %v, using %v", out.Points.CoinsPerXP, def.Points.CoinsPerXP))
		out.Points.CoinsPerXP = def.Points.CoinsPerXP
	}
	if out.Points.VitalityMonthlyTarget <= 0 {
		warn("points.vitalityMonthlyTarget", fmt.Sprintf("must be positive, using %d", def.Points.VitalityMonthlyTarget))
		out.Points.VitalityMonthlyTarget = def.Points.VitalityMonthlyTarget
	}
	if out.Points.VitalityDecayPerMissedDay < 0 {
		warn("points.vitalityDecayPerMissedDay", "negative decay, using 0")
		out.Points.VitalityDecayPerMissedDay = 0
	}
	if out.Streaks.Bonus7 < 0 {
		warn("streaks.bonus7", "negative bonus, using 0")
		out.Streaks.Bonus7 = 0
	}
	if out.Streaks.Bonus30 < 0 {
		warn("streaks.bonus30", "negative bonus, using 0")
		out.Streaks.Bonus30 = 0
	}

	if out.Categories == nil {
		warn("categories", "missing, using defaults")
		out.Categories = def.Categories
	} else {
		cats := make(map[string]Category, len(out.Categories))
		for name, c := range out.Categories {
			if c.Weight <= 0 {
				warn("categories."+name+".weight", "must be positive, using 1")
				c.Weight = 1
			}
			if c.Attribute != "" {
				if _, ok := ParseAttribute(c.Attribute); !ok {
					warn("categories."+name+".attribute", fmt.Sprintf("unknown attribute %q, ignoring", c.Attribute))
					c.Attribute = ""
				}
			}
			if c.Target30d < 0 {
				warn("categories."+name+".target30d", "negative target, using 0")
				c.Target30d = 0
			}
			c.Tags = append([]string(nil), c.Tags...)
			cats[name] = c
		}
		out.Categories = cats
	}
	return out, warnings
}

// categoryFor resolves which configured categories an entry belongs to.
//
// An explicit, configured Category wins. Otherwise every category sharing a
// tag with the entry matches. With no match the entry is Uncategorized.
func (c Config) categoryFor(h ledger.HistoryItem) []string {
	if h.Category != "" {
		for name := range c.Categories {
			if strings.EqualFold(name, h.Category) {
				return []string{name}
			}
		}
		return []string{Uncategorized}
	}
	var names []string
	for _, name := range sortedCategoryNames(c.Categories) {
		for _, tag := range c.Categories[name].Tags {
			if h.HasTag(tag) {
				names = append(names, name)
				break
			}
		}
	}
	if len(names) == 0 {
		return []string{Uncategorized}
	}
	return names
}

// weightOf returns the category weight, or 1 for Uncategorized and unknown names.
func (c Config) weightOf(name string) float64 {
	if cat, ok := c.Categories[name]; ok && cat.Weight > 0 {
		return cat.Weight
	}
	return 1
}

// attributeOf returns the attribute a category feeds, if any.
func (c Config) attributeOf(name string) (Attribute, bool) {
	cat, ok := c.Categories[name]
	if !ok {
		return "", false
	}
	if cat.Attribute != "" {
		return ParseAttribute(cat.Attribute)
	}
	return ParseAttribute(name)
}
