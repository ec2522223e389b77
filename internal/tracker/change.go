package tracker

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType is the kind of mutation.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// IsValid reports whether t is a known change type.
func (t ChangeType) IsValid() bool {
	switch t {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return true
	default:
		return false
	}
}

// Entity names the kind of record a change targets.
type Entity string

const (
	EntityTask         Entity = "task"
	EntityHabit        Entity = "habit"
	EntityGoal         Entity = "goal"
	EntityGamification Entity = "gamification"
	EntityShop         Entity = "shop"
	EntitySettings     Entity = "settings"
)

// Entities lists every entity kind.
var Entities = []Entity{EntityTask, EntityHabit, EntityGoal, EntityGamification, EntityShop, EntitySettings}

// IsValid reports whether e is a known entity kind.
func (e Entity) IsValid() bool {
	for _, known := range Entities {
		if e == known {
			return true
		}
	}
	return false
}

// IsCollection reports whether e holds many records keyed by id.
// Singletons (gamification, shop, settings) have exactly one record per user.
func (e Entity) IsCollection() bool {
	switch e {
	case EntityTask, EntityHabit, EntityGoal:
		return true
	default:
		return false
	}
}

// ParseEntity normalizes user input into an Entity.
func ParseEntity(s string) (Entity, error) {
	e := Entity(s)
	if !e.IsValid() {
		return "", fmt.Errorf("unknown entity %q", s)
	}
	return e, nil
}

// Change is one pending local mutation.
type Change struct {
	ID        string          `json:"id"`
	Type      ChangeType      `json:"type"`
	Entity    Entity          `json:"entity"`
	EntityID  string          `json:"entityId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// InvalidChangeError reports a change that cannot be recorded.
type InvalidChangeError struct {
	Reason string
}

func (e *InvalidChangeError) Error() string {
	return "invalid change: " + e.Reason
}

// Validate checks the fields every backend relies on.
func (c Change) Validate() error {
	switch {
	case !c.Type.IsValid():
		return &InvalidChangeError{Reason: fmt.Sprintf("unknown type %q", c.Type)}
	case !c.Entity.IsValid():
		return &InvalidChangeError{Reason: fmt.Sprintf("unknown entity %q", c.Entity)}
	case c.Entity.IsCollection() && c.EntityID == "":
		return &InvalidChangeError{Reason: fmt.Sprintf("%s change needs an entity id", c.Entity)}
	case c.Type != ChangeDelete && len(c.Payload) == 0:
		return &InvalidChangeError{Reason: fmt.Sprintf("%s change needs a payload", c.Type)}
	}
	return nil
}

func (c Change) clone() Change {
	if c.Payload != nil {
		c.Payload = append(json.RawMessage(nil), c.Payload...)
	}
	return c
}

func cloneAll(in []Change) []Change {
	out := make([]Change, len(in))
	for i, c := range in {
		out[i] = c.clone()
	}
	return out
}
