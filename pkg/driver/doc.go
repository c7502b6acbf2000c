// Package driver runs a single backend generation to completion or failure.
//
// A generation is one continuous exchange with the coding-agent backend: the
// driver resolves how to resume, feeds user messages into the query stream,
// watches the reply stream under an inactivity timeout, and classifies the
// terminal outcome. It never retries and never touches credentials; the
// supervisor owns all recovery decisions.
//
// Invariants:
//   - The inactivity timer is armed before every stream read and disarmed on
//     every received message and after every sent message.
//   - Cleanup (timer stop, thinking reset) runs on every exit path.
//   - Cooperative cancellation surfaces as StatusAborted, never as an error
//     the supervisor would try to recover from.
//
// Usage:
//
//	d := driver.New(driver.Config{Backend: be, Watcher: w, Permissions: perms, Logger: log})
//	res, err := d.Run(ctx, sess, driver.Params{NextMessage: next, Events: sink, ConfigDir: dir})
package driver
