// Package harness runs YAML change scenarios against groupcast end to end.
//
// Each scenario compiles a directory of CUE entity specs, opens a fresh
// in-memory SQLite store, and commits every flow step through a Router in
// its own session. The notifications delivered to the scenario's owner are
// recorded as a trace, checked by assertions and optionally compared with a
// golden file.
//
// # Scenario Format
//
//	name: post_lifecycle
//	description: "What this scenario validates"
//	specs: ../../../../testdata/specs   # relative to the scenario file
//	owner: blog                          # default "default"
//	foreign_key_groups: false
//	setup:                               # committed without notifications
//	  - add: {type: Category, values: {Name: Go}}
//	flow:
//	  - name: create post
//	    ops:
//	      - add: {type: Post, values: {Title: Hello, CategoryId: 1, IsVisible: true}}
//	    expect: {rows: 1}
//	assertions:
//	  - type: notification_contains
//	    entity: Post
//	    change: Added
//	    group: {CategoryId: 1, IsVisible: true}
//	  - type: final_state
//	    entity: Post
//	    where: {Id: 1}
//	    expect: {Title: Hello}
//
// Steps use the store.Op format (add, update, remove). A step whose expect
// names an error must fail to commit with a message containing it.
//
// # Assertion Types
//
//   - notification_contains: a notification matches entity, change, group
//     (rule property values) or identity (key values), and keys
//   - notification_order: matchers appear in order, not necessarily adjacent
//   - notification_count: exactly count notifications match
//   - final_state: one stored entity matches where and has the expect values
//
// # Deterministic Testing
//
// Commit identifiers come from testutil.SequentialCommitGenerator and
// sequence numbers from testutil.DeterministicClock, so one scenario always
// produces the same trace. Golden traces label groups by entity and values
// instead of by hash.
package harness
