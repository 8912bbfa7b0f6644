// Package event defines the immutable event envelope and causal context
// used throughout Hearth Core.
//
// An Event is created once and never mutated; it is distributed as a shared
// reference to every matching listener. A Context identifies the causal chain
// an event belongs to: its id is time-ordered so events sort chronologically,
// and its parent id links back to whatever triggered it.
package event
