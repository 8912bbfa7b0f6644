// Package state implements the entity state store: a concurrent map from
// entity id to an immutable state snapshot with copy-on-write updates and
// automatic change notification on the event bus.
//
// Snapshots are never mutated in place. A write installs a fresh snapshot
// and "expires" the old one by replacing its causal context with a copy
// that carries the same ids but no origin-event back-reference, so replaced
// snapshots do not retain the event history of their chain.
package state
