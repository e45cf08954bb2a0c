// Package account implements the delegated account: the sole authority that
// turns a signed operation into an executed target invocation. It enforces
// exactly-once, in-order execution per principal through a monotonically
// increasing nonce and secp256k1 signature recovery over a chain- and
// account-bound operation hash.
package account
