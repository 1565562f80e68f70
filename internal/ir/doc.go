// Package ir provides the canonical data model shared by every runtime package.
//
// This package contains type definitions, the closed action union and the
// canonical JSON encoder only. All other internal packages import ir; ir
// imports nothing internal, so it stays the foundational layer.
//
// Key design constraints:
//   - Money is int64 micro-units, never floats
//   - Time is virtual (ticks and virtual milliseconds), never wall clock
//   - Agents and transactions reference each other by id, never by pointer
//   - All JSON tags use snake_case
package ir
