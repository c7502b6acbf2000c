// Package permission tracks tool-use approvals issued during a generation.
//
// The driver routes every tool-use decision through a Handler bound to the
// session's current mode. The default Recorder keeps the approval ledger in
// memory and marks aborted tool calls so the driver can stop a generation
// the user cancelled mid-flight.
//
// Invariants:
//   - Responses are keyed by tool call id and never overwritten once recorded.
//   - Aborting a tool call id is sticky until Reset.
package permission
