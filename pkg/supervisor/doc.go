// Package supervisor runs generations in a loop and owns every recovery
// decision: restarts after timeouts, credential rotation on quota hits,
// fresh starts after stale resumes, and the bounded retry budget.
//
// Invariants:
//   - At most one generation is active at a time; per-generation teardown
//     completes before the next spawn.
//   - The permission ledger and the tool-call parent chain reset only when
//     the backend session id changes between generations, never on a
//     mode-only change.
//   - Quota and exhaustion recoveries combined never rotate accounts more
//     than MaxRotations times per supervisor run.
//   - One-time launch flags are consumed after every spawn.
package supervisor
