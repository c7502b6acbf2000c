// Package session holds the session value objects shared by the driver and
// supervisor: the session record, the mode value object, launch-flag
// handling and transcript location on disk.
//
// Invariants:
//   - Mode comparison is structural; no field participates by hash or string.
//   - A resume flag without a usable value is ignored.
//   - Transcript paths are derived from the working directory the same way the
//     backend derives them, so existence checks agree with the backend.
package session
