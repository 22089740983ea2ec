// Package generation defines the boundary between the scheduler and the
// content-generation pipeline, following the hexagonal architecture
// pattern. The scheduler only supervises invocations; prompt construction
// and model calls live behind the Invoker interface.
package generation
