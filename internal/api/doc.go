// Package api exposes the relay over REST: operation submission and
// simulation, submission lookup, account delegation and state queries, and
// administrative sponsorship policy management.
package api
