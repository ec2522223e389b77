// Package harness runs questlog scenarios as executable contract tests.
//
// A scenario drives a real replica, change tracker and sync service over an
// in-memory store and remote, on a fake clock, and then checks assertions
// against the trace and the final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	start: 2026-03-10T12:00:00-03:00
//	rules: rules.yaml
//	steps:
//	  - complete: habit
//	    tags: [fitness]
//	    repeat: 7
//	    every: 24h
//	  - put: task
//	    id: t-1
//	    data: { title: "write report" }
//	  - online: false
//	  - push: true
//	    expect_error: true
//	assertions:
//	  - type: state
//	    expect: { xp: 95, streak: 7 }
//	  - type: pending
//	    count: 1
//	  - type: remote_count
//	    entity: task
//	    count: 0
//	  - type: trace_count
//	    step: complete
//	    count: 7
//
// # Step Types
//
// Exactly one of these keys selects the step:
//
//   - complete: award an action (habit, task, milestone, goal)
//   - put / delete: change an entity, with id and data
//   - advance: move the clock by a duration
//   - online: make the remote reachable or not
//   - push / pull: run one reconciliation
//
// repeat runs a step several times, advancing the clock by every after each
// run. A step that fails fails the scenario unless expect_error is set.
//
// # Deterministic Testing
//
// The clock only moves on advance and every, change ids come from a counter,
// and the trace is encoded canonically, so a scenario always produces the
// same trace for golden comparison.
package harness
