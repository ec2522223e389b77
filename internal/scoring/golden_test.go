package scoring

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/questlog/internal/ledger"
	"github.com/roach88/questlog/internal/wire"
)

func TestCompute_Golden(t *testing.T) {
	history := []ledger.HistoryItem{
		{Timestamp: time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC), ActionType: ledger.ActionHabit, XPDelta: 10, CoinsDelta: 5, Tags: []string{"fitness"}},
		{Timestamp: time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC), ActionType: ledger.ActionTask, XPDelta: 15, CoinsDelta: 8, Tags: []string{"study"}},
		{Timestamp: time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC), ActionType: ledger.ActionGoal, XPDelta: 100, CoinsDelta: 50, Tags: []string{"art"}},
		{Timestamp: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), ActionType: ledger.ActionHabit, XPDelta: 10, CoinsDelta: 5},
	}

	state, report := Compute(history, DefaultConfig(), noon)
	require.Zero(t, report.Skipped)

	got, err := wire.Encode(state.Wire())
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "scored_ledger", got)
}
