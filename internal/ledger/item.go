package ledger

import (
	"fmt"
	"strings"
	"time"
)

// ActionType identifies what kind of completion produced a ledger entry.
type ActionType string

const (
	ActionHabit     ActionType = "habit"
	ActionTask      ActionType = "task"
	ActionMilestone ActionType = "milestone"
	ActionGoal      ActionType = "goal"
)

// ActionTypes lists every valid action type in display order.
var ActionTypes = []ActionType{ActionHabit, ActionTask, ActionMilestone, ActionGoal}

func (a ActionType) IsValid() bool {
	switch a {
	case ActionHabit, ActionTask, ActionMilestone, ActionGoal:
		return true
	default:
		return false
	}
}

// ParseActionType normalizes user input into an ActionType.
func ParseActionType(input string) (ActionType, error) {
	a := ActionType(strings.TrimSpace(strings.ToLower(input)))
	if !a.IsValid() {
		return "", fmt.Errorf("invalid action type: %q", input)
	}
	return a, nil
}

// HistoryItem is one ledger entry.
type HistoryItem struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	ActionType ActionType `json:"actionType"`
	XPDelta    int        `json:"xpDelta"`
	CoinsDelta int        `json:"coinsDelta"`
	Tags       []string   `json:"tags"`
	Category   string     `json:"category,omitempty"`
}

// HasTag reports whether the entry carries tag (case-insensitive).
func (h HistoryItem) HasTag(tag string) bool {
	for _, t := range h.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// ValidationError describes a malformed ledger entry.
// Scoring skips such entries and counts them instead of failing.
type ValidationError struct {
	Index  int
	ID     string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("ledger entry %d (%s): %s", e.Index, e.ID, e.Reason)
	}
	return fmt.Sprintf("ledger entry %d: %s", e.Index, e.Reason)
}

// Validate checks the fields scoring relies on.
func (h HistoryItem) Validate() error {
	switch {
	case h.Timestamp.IsZero():
		return &ValidationError{ID: h.ID, Reason: "missing timestamp"}
	case !h.ActionType.IsValid():
		return &ValidationError{ID: h.ID, Reason: fmt.Sprintf("invalid action type %q", h.ActionType)}
	case h.XPDelta < 0:
		return &ValidationError{ID: h.ID, Reason: "negative xp delta"}
	}
	return nil
}

func (h HistoryItem) clone() HistoryItem {
	if h.Tags != nil {
		h.Tags = append([]string(nil), h.Tags...)
	}
	return h
}
