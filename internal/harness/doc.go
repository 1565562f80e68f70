// Package harness runs scenarios end to end and checks their assertions.
//
// A run builds an engine from the scenario, records the whole session,
// ticks until the scenario's tick count or completion, then:
//
//  1. replays the recorded log and compares the result with the live
//     final snapshot
//  2. evaluates the scenario assertions against the final state
//
// Every run uses a fixed session id derived from the scenario name, so two
// runs of the same scenario produce byte-identical logs. AssertDeterministic
// and AssertReplayDeterministic check that with goldie.
package harness
