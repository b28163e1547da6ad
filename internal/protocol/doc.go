// Package protocol defines the JSON text messages exchanged with streaming
// clients. It parses inbound control and audio messages and builds the status,
// result, error and pong replies.
package protocol
