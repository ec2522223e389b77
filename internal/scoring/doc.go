// Package scoring folds the ledger into derived gamification state.
//
// Compute is a pure function of (history, config, now): the same inputs always
// yield the same State, and State is only ever a cache of that computation.
//
// # Derived Values
//
//   - xp, coins: lifetime sums of the ledger deltas
//   - xp30d: sum over the trailing 30-day window, recomputed every call
//   - rank: floor(xp/200) split into seven tiers of three divisions,
//     with a terminal tier from 4200 xp on
//   - vitality: 0-100 composite of monthly progress and daily/weekly bonuses
//   - mood: four buckets over vitality
//   - attributes: category-weighted xp per str/int/cre/soc, with the
//     dominant 30-day attribute exposed as aspect
//
// # Failure Model
//
// Compute never fails. Invalid config values fall back to defaults and are
// reported as *ConfigError; malformed ledger entries are skipped and counted
// in Report.Skipped.
package scoring
