// Package vad provides an energy based voice activity detector that implements
// engine.Engine. Detector state is incremental and lives in the session cache,
// so the same pipeline that drives recognition can stream speech segments.
package vad
