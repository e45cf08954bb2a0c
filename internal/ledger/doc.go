// Package ledger abstracts the execution substrate that operations are
// ultimately applied to. The core treats target invocations as opaque: it
// only inspects success, return data and consumed gas. Adapters exist for an
// in-process ledger used by tests and the memory driver, and for EVM chains
// reached over RPC.
package ledger
