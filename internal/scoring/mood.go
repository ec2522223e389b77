package scoring

// Mood is the coarse emotional bucket derived from vitality.
type Mood string

const (
	MoodSad     Mood = "sad"
	MoodTired   Mood = "tired"
	MoodNeutral Mood = "neutral"
	MoodHappy   Mood = "happy"

	// MoodConfident only appears in AvatarMood.
	MoodConfident Mood = "confident"
)

// MoodFor maps vitality to the canonical four-state mood:
// <25 sad, <50 tired, <75 neutral, otherwise happy.
func MoodFor(vitality float64) Mood {
	switch {
	case vitality < 25:
		return MoodSad
	case vitality < 50:
		return MoodTired
	case vitality < 75:
		return MoodNeutral
	default:
		return MoodHappy
	}
}

// AvatarMood is the five-state variant used for avatar rendering.
// It splits the happy bucket at 90 into happy and confident and never feeds
// back into State.Mood.
func AvatarMood(vitality float64) Mood {
	if vitality >= 90 {
		return MoodConfident
	}
	return MoodFor(vitality)
}
