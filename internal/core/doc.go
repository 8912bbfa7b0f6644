// Package core owns the runtime lifecycle: it wires the event bus, state
// store and service registry to the scheduling loop, runs the startup
// sequence, and drives the three-stage timed shutdown protocol that always
// terminates, even under misbehaving integrations.
package core
