// Package history records state changes to SQLite and serves time-ordered
// queries over them. The recorder subscribes to the state_changed topic and
// writes rows off the hot path; a retention loop prunes old rows daily.
package history
