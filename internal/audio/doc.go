// Package audio handles inbound sample decoding, per-session sample accumulation at a
// fixed stride, and WAV encoding for engine requests and the reference client.
package audio
