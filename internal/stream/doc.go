// Package stream provides streaming session management. It owns the session
// registry and group index, per-session audio accumulation, the inactivity
// debounce timer, the ordered inference queue, and automatic cleanup of idle
// sessions.
package stream
