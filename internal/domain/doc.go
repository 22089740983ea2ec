// Package domain contains the core entities of the service: generation
// tasks, their state machine, and the cached default results for shared
// documents. Entities validate themselves; state transitions are methods
// here but are driven exclusively by the scheduler.
package domain
