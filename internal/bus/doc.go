// Package bus implements the topic-keyed publish/subscribe core.
//
// Subscriptions hold a classified job plus an optional filter predicate.
// Immediate-delivery subscribers run inline, in registration order, within
// the publishing call; everything else is scheduled on the runtime loop as
// a tracked task. One broken listener or filter never interrupts delivery
// to the others.
package bus
