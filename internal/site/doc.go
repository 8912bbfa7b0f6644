// Package site persists the runtime's core configuration record: location,
// units, URLs and locale. The on-disk document is versioned by a
// (major, minor) pair and migrated forward linearly on load; a document
// written by a newer major version fails loading rather than silently
// truncating data.
package site
