// Package postgres provides PostgreSQL implementations of the store
// interfaces defined in internal/store.
package postgres
