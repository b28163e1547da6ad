// Package engine defines the recognition engine contract used by the gateway:
// incremental calls with an opaque per-session cache, batch calls, finality and
// the engine error taxonomy. It also provides an HTTP engine client.
package engine
