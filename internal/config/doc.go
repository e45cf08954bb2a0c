// Package config loads the daemon configuration: listeners, execution
// backend, storage and queue drivers, sponsorship tuning and authentication.
package config
