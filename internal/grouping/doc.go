// Package grouping holds the grouping rule registry.
//
// A grouping rule names the properties of an entity type whose combined
// values address a notification group. Rules come from explicit
// declarations (usually compiled from CUE entity specs) and, optionally,
// from the foreign keys a Store reports. Rules for a type are resolved once
// and cached for the life of the Registry.
package grouping
