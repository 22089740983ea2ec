// Package scheduler implements task admission and scheduling: a bounded
// running set, a FIFO waiting queue, dispatch to the generation invoker,
// completion handling with default-result promotion for shared documents,
// and mid-flight cancellation with a bounded grace period.
//
// The running set and waiting queue are process-wide state; the Scheduler
// is their single writer. Nothing else mutates them, and the exported
// surface is limited to Submit, Remove, Status, and Stop.
package scheduler
