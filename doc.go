// Package durable defines the shared contracts of the go-durable
// orchestration engine: the append-only event model, orchestration
// instance metadata, the error taxonomy, and the task-hub configuration.
//
// An orchestration instance is one running execution of durable workflow
// logic. Its progress is captured entirely in an ordered event log; the
// orchestration function is re-executed deterministically against that
// log to resume exactly at the first unresolved suspension point. The
// engine packages build on these contracts:
//
//   - eventstore: durable per-instance event logs
//   - dispatcher: leased, at-least-once work-item delivery
//   - timers: durable wake-ups independent of process lifetime
//   - orchestration: the deterministic replay engine
//   - entity: keyed, serialized-access durable state
//   - worker: the stateless runtime pulling work items
//   - client: instance submission and status queries
package durable
