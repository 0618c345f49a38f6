// Package router implements the notification router.
//
// A Router wraps one Store's commit. It captures the pending changes,
// delegates the commit, back-fills the identities the Store assigned to new
// entities and then pushes one ir.ChangeNotification per affected group to
// the subscription.Registry listeners of its owner.
//
// Phases of a commit attempt:
//
//	Idle -> Capturing -> Committing -> PostCommit -> Routing -> Dispatched -> Idle
//
// A capture or commit error moves the attempt to Failed; nothing is
// dispatched and the Router returns to Idle. Only one commit attempt runs
// per Router at a time; separate Routers run independently.
//
// Routing per captured record, in capture order:
//
//  1. updated and deleted records notify the entity's identity group
//     (Updated and Removed respectively);
//  2. for every grouping rule of the entity type, inserts notify Added to
//     the current group, deletes notify Removed to the prior group, updates
//     that changed a rule property notify Removed to the prior group then
//     Added to the current group, and all other updates notify Updated to
//     the current group.
package router
