// Package sponsor implements the sponsorship policy engine: per-principal
// and global policies, daily usage accounting, and the admission decision
// that determines whether a sponsor will pay for an operation and within
// what limits. The engine never executes anything itself.
package sponsor
