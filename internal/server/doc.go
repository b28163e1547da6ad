// Package server implements the WebSocket transport for streaming sessions and
// the HTTP management API: health, configuration, statistics, session and group
// listings, engine load/unload, offline recognition and Prometheus metrics.
package server
