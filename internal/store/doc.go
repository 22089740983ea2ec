// Package store defines persistence interfaces and their shared error
// vocabulary. Implementations live under internal/platform; consumers
// depend only on these interfaces.
package store
