// Package engine implements the agent simulation runtime.
//
// The engine owns the ledger, the agent state store, the job queue, the
// recorder and the history stack, and advances them one tick at a time.
//
// ARCHITECTURE:
//
// Single Writer:
// Every mutation happens under one mutex. Ticks, session edits, history
// restores and replay transitions never interleave. A tick that arrives
// while another is in flight is skipped, not queued.
//
// Tick Flow:
//  1. Check for completion: every transaction settled, cancelled or
//     disputed and no pending jobs. If so, mark agents completed and halt.
//  2. Push a history entry, advance the tick counter and virtual clock.
//  3. Complete ready jobs and mirror their results into agent state.
//  4. Run each enabled agent once, in sorted id order. Each agent's turn
//     is atomic: on an uncaught script error every effect of the turn is
//     rolled back and one error event is recorded.
//  5. Emit id counter changes so replay reproduces them exactly.
//
// Epochs:
// Stop, reset, import, fork and entering replay bump the epoch. A tick
// that observes a newer epoch than the one it started under discards its
// work and leaves the session as it found it.
//
// Determinism:
// Timestamps are virtual (tick times the tick duration). Ids come from
// per-prefix counters stored in the ledger. Scripts see no wall clock and
// a Math.random seeded from agent id and tick. Replaying a recorded log
// re-derives the final snapshot byte for byte.
package engine
