package scoring

import "fmt"

const (
	// XPPerRank is the xp span of one rank division.
	XPPerRank = 200

	// LegendXP is the lifetime xp at which the terminal tier is reached.
	LegendXP = 4200

	// LegendIndex is the rank index reported for the terminal tier.
	LegendIndex = 24

	// LegendTier names the terminal tier.
	LegendTier = "Legend"

	divisionsPerTier = 3
)

// Tiers lists the non-terminal tiers, lowest first.
var Tiers = []string{"Bronze", "Silver", "Gold", "Platinum", "Diamond", "Master", "Grandmaster"}

// Rank is the competitive rank derived from lifetime xp.
type Rank struct {
	Index    int    `json:"index"`
	Tier     string `json:"tier"`
	Division int    `json:"division"` // 1..3, or 0 for the terminal tier
}

// RankFor maps lifetime xp to a rank. Negative xp ranks as zero.
//
// Below LegendXP: idx = xp/200, tier = idx/3, division = idx%3 + 1.
// From LegendXP on, the rank is fixed at (LegendIndex, LegendTier, 0).
func RankFor(xp int) Rank {
	if xp < 0 {
		xp = 0
	}
	if xp >= LegendXP {
		return Rank{Index: LegendIndex, Tier: LegendTier, Division: 0}
	}
	idx := xp / XPPerRank
	return Rank{
		Index:    idx,
		Tier:     Tiers[idx/divisionsPerTier],
		Division: idx%divisionsPerTier + 1,
	}
}

// Terminal reports whether r is the terminal tier.
func (r Rank) Terminal() bool {
	return r.Division == 0
}

// String renders the rank as "Gold II" or "Legend".
func (r Rank) String() string {
	if r.Terminal() {
		return r.Tier
	}
	return fmt.Sprintf("%s %s", r.Tier, Roman(r.Division))
}

// NextRankXP returns the xp still needed to reach the next division,
// or 0 once the terminal tier is reached.
func NextRankXP(xp int) int {
	if xp < 0 {
		xp = 0
	}
	if xp >= LegendXP {
		return 0
	}
	return (xp/XPPerRank+1)*XPPerRank - xp
}

// Roman renders a division number (1..3) as a Roman numeral.
// Other values render as decimal.
func Roman(n int) string {
	switch n {
	case 1:
		return "I"
	case 2:
		return "II"
	case 3:
		return "III"
	default:
		return fmt.Sprint(n)
	}
}
