// Package testutil holds deterministic collaborators for tests and the
// scenario harness: a resettable sequence clock, a commit identifier
// generator that counts instead of using time, and a notification recorder
// that can be subscribed to a Router owner.
package testutil
