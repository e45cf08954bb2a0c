// Package relay accepts signed operations, gates them through the
// sponsorship engine, and drives them through the executing account. It
// supports synchronous simulation and queued asynchronous submission with
// durable receipts.
package relay
