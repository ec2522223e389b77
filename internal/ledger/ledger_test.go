package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-03-10 12:00 in UTC-3.
var noon = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func item(ts time.Time, a ActionType, xp int) HistoryItem {
	return HistoryItem{Timestamp: ts, ActionType: a, XPDelta: xp, Tags: []string{"fitness"}}
}

func TestAppend_AssignsStableIDs(t *testing.T) {
	l1 := New()
	l2 := New()

	a, err := l1.Append(item(noon, ActionHabit, 10))
	require.NoError(t, err)
	b, err := l2.Append(item(noon, ActionHabit, 10))
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, a.ID, b.ID, "same entry at same position must hash identically")

	c, err := l1.Append(item(noon, ActionHabit, 10))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID, "position is part of the id")
}

func TestAppend_KeepsExplicitID(t *testing.T) {
	l := New()
	it := item(noon, ActionTask, 5)
	it.ID = "remote-1"
	got, err := l.Append(it)
	require.NoError(t, err)
	assert.Equal(t, "remote-1", got.ID)
}

func TestAppend_StoresCopies(t *testing.T) {
	l := New()
	it := item(noon, ActionTask, 5)
	_, err := l.Append(it)
	require.NoError(t, err)

	it.Tags[0] = "mutated"
	items := l.Items()
	assert.Equal(t, "fitness", items[0].Tags[0])

	items[0].Tags[0] = "mutated-again"
	assert.Equal(t, "fitness", l.Items()[0].Tags[0])
}

func TestWindow_InsertionOrder(t *testing.T) {
	l := New()
	for i := 0; i < 3; i++ {
		_, err := l.Append(item(noon.Add(time.Duration(i)*time.Minute), ActionTask, i+1))
		require.NoError(t, err)
	}
	got := l.Window(noon.Add(time.Minute))
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].XPDelta)
	assert.Equal(t, 3, got[1].XPDelta)
	assert.Equal(t, 3, l.Len(), "window must not remove entries")
}

func TestToday_UsesFixedZone(t *testing.T) {
	l := New()
	// 01:30 UTC on March 11 is still March 10 in UTC-3.
	lateEvening := time.Date(2026, 3, 11, 1, 30, 0, 0, time.UTC)
	// 03:30 UTC on March 11 is March 11 00:30 in UTC-3.
	nextMorning := time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC)

	_, err := l.Append(item(noon, ActionHabit, 1))
	require.NoError(t, err)
	_, err = l.Append(item(lateEvening, ActionHabit, 2))
	require.NoError(t, err)
	_, err = l.Append(item(nextMorning, ActionHabit, 3))
	require.NoError(t, err)

	today := l.Today(lateEvening)
	require.Len(t, today, 3, "today starts at 00:00 UTC-3 of March 10")

	tomorrow := l.Today(nextMorning)
	require.Len(t, tomorrow, 1)
	assert.Equal(t, 3, tomorrow[0].XPDelta)
}

func TestToday_IgnoresAmbientLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	ts := time.Date(2026, 3, 11, 9, 0, 0, 0, tokyo) // 00:00 UTC, 21:00 UTC-3 March 10
	assert.Equal(t, "2026-03-10", DayKey(ts))
	assert.Equal(t, DayKey(noon), DayKey(ts))
}

func TestLastDays(t *testing.T) {
	l := New()
	for d := 0; d < 10; d++ {
		_, err := l.Append(item(noon.AddDate(0, 0, -d), ActionTask, 1))
		require.NoError(t, err)
	}
	assert.Len(t, l.LastDays(noon, 7), 7)
	assert.Len(t, l.LastDays(noon, 30), 10)
	assert.Len(t, l.LastDays(noon, 1), 1)
}

func TestDaysBetween(t *testing.T) {
	assert.Equal(t, 0, DaysBetween(noon, noon.Add(5*time.Hour)))
	assert.Equal(t, 1, DaysBetween(noon, noon.Add(12*time.Hour)))
	assert.Equal(t, 31, DaysBetween(noon, noon.AddDate(0, 0, 31)))
	assert.Equal(t, -2, DaysBetween(noon, noon.AddDate(0, 0, -2)))
}

func TestValidate(t *testing.T) {
	l := New(
		item(noon, ActionHabit, 10),
		HistoryItem{ActionType: ActionHabit, XPDelta: 1},
		item(noon, ActionType("nap"), 1),
		item(noon, ActionTask, -4),
	)
	errs := l.Validate()
	require.Len(t, errs, 3)

	var ve *ValidationError
	require.ErrorAs(t, errs[0], &ve)
	assert.Equal(t, 1, ve.Index)
	assert.Contains(t, errs[1].Error(), "nap")
}

func TestParseActionType(t *testing.T) {
	a, err := ParseActionType("  Goal ")
	require.NoError(t, err)
	assert.Equal(t, ActionGoal, a)

	_, err = ParseActionType("chore")
	assert.Error(t, err)
}

func TestMerge_AddsUnknownIDsInTimeOrder(t *testing.T) {
	remote := New()
	for i := 0; i < 3; i++ {
		_, err := remote.Append(item(noon.Add(time.Duration(i)*time.Hour), ActionGoal, 100))
		require.NoError(t, err)
	}

	local := New()
	offline, err := local.Append(item(noon.Add(90*time.Minute), ActionHabit, 10))
	require.NoError(t, err)

	added := remote.Merge(local.Items()...)
	assert.Equal(t, 1, added)
	require.Equal(t, 4, remote.Len())

	items := remote.Items()
	assert.Equal(t, offline.ID, items[2].ID, "merged entry is placed by timestamp")
	for i := 1; i < len(items); i++ {
		assert.False(t, items[i].Timestamp.Before(items[i-1].Timestamp))
	}

	assert.Zero(t, remote.Merge(local.Items()...), "merging twice adds nothing")
	assert.Zero(t, remote.Merge(item(noon, ActionTask, 1)), "entries without id are skipped")
	assert.Equal(t, 4, remote.Len())
}
