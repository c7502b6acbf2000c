// Package accounts manages the weighted, rate-limited credential accounts
// the supervisor rotates across, and selects the best one to use next.
//
// Invariants:
//   - Exactly one account is active at a time.
//   - A usage fetch failure never invalidates a prior valid snapshot and
//     never aborts selection.
//   - Threshold filtering can narrow the candidate pool but never empties it.
//
// Usage:
//
//	store, _ := accounts.OpenStore(path)
//	sel := accounts.NewSelector(store, cache, logger)
//	pick, err := sel.SelectBest(ctx)
package accounts
