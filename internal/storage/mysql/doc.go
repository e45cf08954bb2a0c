// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema migrations and strongly typed queries for persisting
// account state, sponsorship policies, usage counters and submissions.
package mysql
