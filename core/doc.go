// Package core defines the shared domain model of the Handoff delegation
// engine: executions with their message/step timelines and metrics, the
// delegation request/result protocol, approval checkpoints, agent
// configuration, and the narrow interfaces through which the engine consumes
// its collaborators (agent execution, catalog lookup, checkpointing, events).
//
// The package has no orchestration logic of its own; it exists so that the
// registry, routing, delegation, approval and plancache packages can share
// types without import cycles.
package core
