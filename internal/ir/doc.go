// Package ir provides the canonical data model for groupcast.
//
// This package contains the shared types (values, entities, change records,
// grouping rules, notifications, entity specs) plus the deterministic group
// identifier functions. All other internal packages import ir; ir imports
// nothing internal.
//
// Key design constraints:
//   - NO float values anywhere - group identifiers must be deterministic
//   - Strings are compared and encoded in Unicode NFC form
//   - All JSON tags use snake_case
//   - Group identifiers are domain-separated SHA-256 over canonical JSON
package ir
