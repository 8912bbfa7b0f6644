// Package loop owns the runtime's scheduling machinery: a single loop
// goroutine that executes marshalled calls in order, a process-wide registry
// of background tasks, and a bounded worker pool for blocking jobs.
//
// The loop goroutine is the sanctioned serialisation point for writes that
// arrive from foreign goroutines (HTTP handlers, MQTT callbacks): they send
// a closure over a channel with CallSync and block on the result with a
// caller-supplied timeout. Tracked tasks register themselves on spawn and
// deregister on completion, so shutdown can always enumerate and drain
// "all still-running work".
package loop
